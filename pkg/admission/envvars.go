package admission

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/waldiez/runner/pkg/apperr"
)

// Limits on the env_vars JSON payload a task submission may carry.
const (
	MaxEnvVarsJSONSize = 5000
	MaxEnvVarsCount    = 30
	MaxEnvKeyLength    = 50
	MaxEnvValueLength  = 500
)

var safeEnvKeyPattern = regexp.MustCompile(`(?i)^[A-Z_][A-Z0-9_]*$`)

var unsafeEnvValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[;&|` + "`" + `$(){}]`), // shell metacharacters
	regexp.MustCompile(`\.\.[\\/]`),              // path traversal
	regexp.MustCompile(`\\x[0-9a-fA-F]{2}`),      // hex encoding
	regexp.MustCompile(`%[0-9a-fA-F]{2}`),        // URL encoding
	regexp.MustCompile(`https?://`),
	regexp.MustCompile(`ftp://`),
}

var protectedEnvVars = map[string]bool{
	"PATH": true, "LD_LIBRARY_PATH": true, "DYLD_LIBRARY_PATH": true,
	"PYTHONPATH": true, "LD_PRELOAD": true, "LD_AUDIT": true, "MALLOC_CHECK_": true,
	"HOME": true, "USER": true, "USERNAME": true, "LOGNAME": true, "SHELL": true,
	"TERM": true, "PWD": true,
	"HTTP_PROXY": true, "HTTPS_PROXY": true, "FTP_PROXY": true, "ALL_PROXY": true, "NO_PROXY": true,
	"TMPDIR": true, "TMP": true, "TEMP": true, "TEMPDIR": true,
	"PYTHONSTARTUP": true, "PYTHONEXECUTABLE": true, "PYTHONHOME": true,
	"PYTHONDEBUG": true, "PYTHONINSPECT": true, "PYTHONOPTIMIZE": true,
}

// ParseEnvVars validates and decodes a raw env_vars JSON object,
// returning a sanitized string map safe to hand to the child process
// environment. An empty/blank raw value is not an error: it yields an
// empty map.
func ParseEnvVars(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}
	if len(raw) > MaxEnvVarsJSONSize {
		return nil, apperr.Newf(apperr.KindInvalidInput, "env_vars JSON string exceeds %d bytes", MaxEnvVarsJSONSize)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, apperr.New(apperr.KindInvalidInput, "invalid JSON format for env_vars")
	}
	if len(decoded) > MaxEnvVarsCount {
		return nil, apperr.Newf(apperr.KindInvalidInput, "env_vars JSON object exceeds %d items", MaxEnvVarsCount)
	}

	out := make(map[string]string, len(decoded))
	for key, rawValue := range decoded {
		value := coerceToString(rawValue)

		if protectedEnvVars[strings.ToUpper(key)] {
			return nil, apperr.Newf(apperr.KindInvalidInput, "cannot override protected system variable: %s", key)
		}
		if len(key) > MaxEnvKeyLength {
			return nil, apperr.Newf(apperr.KindInvalidInput, "env_vars key '%s' exceeds %d characters", key, MaxEnvKeyLength)
		}
		if len(value) > MaxEnvValueLength {
			return nil, apperr.Newf(apperr.KindInvalidInput, "env_vars value for key '%s' exceeds %d characters", key, MaxEnvValueLength)
		}
		if !safeEnvKeyPattern.MatchString(key) {
			return nil, apperr.Newf(apperr.KindInvalidInput, "env_vars key '%s' contains unsafe characters", key)
		}
		for _, pattern := range unsafeEnvValuePatterns {
			if pattern.MatchString(value) {
				return nil, apperr.Newf(apperr.KindInvalidInput, "env_vars value for key '%s' contains unsafe characters", key)
			}
		}
		out[key] = value
	}
	return out, nil
}

// coerceToString mirrors Python's str(value) for the JSON scalar
// types env_vars values arrive as.
func coerceToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		if t {
			return "True"
		}
		return "False"
	case nil:
		return "None"
	default:
		return fmt.Sprintf("%v", t)
	}
}
