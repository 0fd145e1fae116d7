// Command waldiez-shim is a minimal, Go-native stand-in for the task
// app's entrypoint. It speaks the same Redis I/O protocol (pkg/iostream)
// any real app is expected to, so the runner/watcher/dispatcher
// pipeline is exercisable end to end without a Python interpreter in
// the test environment. It is a reference implementation, not the only
// one: any executable honoring the same three-channel-plus-stream
// contract can stand in its place.
//
// Its script format is deliberately trivial: the task file is read
// line by line. A line is either printed to the output stream verbatim,
// or, when prefixed with "?", treated as an input prompt — the shim
// blocks on RequestInput and echoes "> <answer>" once one arrives (or
// times out).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/iostream"
)

func main() {
	taskID := flag.String("task-id", "", "task id")
	redisURL := flag.String("redis-url", "redis://127.0.0.1:6379/0", "redis connection url")
	inputTimeout := flag.Int("input-timeout", 180, "seconds to wait for an input response")
	_ = flag.Bool("debug", false, "enable debug logging (accepted for CLI-compat, unused)")
	flag.Parse()

	if *taskID == "" {
		fmt.Fprintln(os.Stderr, "waldiez-shim: --task-id is required")
		os.Exit(1)
	}
	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "waldiez-shim: exactly one positional flow file argument is required")
		os.Exit(1)
	}
	flowFile := args[0]

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "waldiez-shim: invalid --redis-url: %v\n", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	stream := iostream.New(rdb, *taskID, time.Duration(*inputTimeout)*time.Second)

	if err := run(stream, flowFile); err != nil {
		fmt.Fprintf(os.Stderr, "waldiez-shim: %v\n", err)
		os.Exit(1)
	}
}

func run(stream *iostream.Stream, flowFile string) error {
	f, err := os.Open(flowFile)
	if err != nil {
		return fmt.Errorf("open flow file: %w", err)
	}
	defer f.Close()

	ctx := context.Background()

	if err := stream.PublishStatus(ctx, "RUNNING", nil); err != nil {
		return fmt.Errorf("publish running status: %w", err)
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "?") {
			prompt := strings.TrimSpace(strings.TrimPrefix(line, "?"))
			answer, err := stream.RequestInput(ctx, prompt)
			if err != nil {
				return fmt.Errorf("request input: %w", err)
			}
			if err := stream.AppendOutput(ctx, "> "+answer); err != nil {
				return fmt.Errorf("append output: %w", err)
			}
			continue
		}
		if err := stream.AppendOutput(ctx, line); err != nil {
			return fmt.Errorf("append output: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		_ = stream.PublishStatus(ctx, "FAILED", scanner.Err().Error())
		return fmt.Errorf("read flow file: %w", err)
	}

	return stream.PublishStatus(ctx, "COMPLETED", buildResults(flowFile))
}

func buildResults(flowFile string) map[string]string {
	info, err := os.Stat(flowFile)
	if err != nil {
		return map[string]string{"flow_file": flowFile}
	}
	return map[string]string{"flow_file": flowFile, "bytes": strconv.FormatInt(info.Size(), 10)}
}
