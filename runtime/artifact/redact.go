package artifact

import (
	"os"
	"strings"
	"time"
)

// sensitiveEnvMarkers flags environment variable names that are never
// captured into an artifact.
var sensitiveEnvMarkers = []string{
	"KEY", "SECRET", "TOKEN", "PASSWORD", "CREDENTIAL", "AUTH", "PRIVATE",
}

// CaptureTimeEnv snapshots the wall clock, normalized to UTC, and the
// process environment at now. Variables whose names look sensitive are
// dropped rather than masked.
func CaptureTimeEnv(now time.Time) *TimeEnvironment {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || isSensitiveEnvName(k) {
			continue
		}
		vars[k] = v
	}
	if len(vars) == 0 {
		vars = nil
	}
	utc := now.UTC()
	return &TimeEnvironment{
		Timestamp:       utc,
		Timezone:        "UTC",
		WallClockTime:   utc.Format(time.RFC3339Nano),
		EnvironmentVars: vars,
	}
}

func isSensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
