// Package main runs an in-process miniredis instance on a fixed
// address so waldiez-server, waldiez-worker, and waldiez-maintenance
// can be exercised locally without a real Redis deployment.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
)

func main() {
	s := miniredis.NewMiniRedis()
	if err := s.StartAddr("127.0.0.1:6379"); err != nil {
		log.Fatalf("failed to start miniredis: %v", err)
	}
	defer s.Close()

	log.Printf("dev redis listening on %s", s.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down dev redis")
}
