package app

import (
	"os"
	"strings"
	"sync"
)

// SkipStartupEnv short-circuits cmd/server and cmd/worker before they dial
// Postgres or Redis, so the binaries can be smoke-built in CI.
const SkipStartupEnv = "ORDERSETTLE_TEST_MODE"

var skipStartup = sync.OnceValue(func() bool {
	return skipStartupFrom(os.Getenv)
})

// SkipStartup reports whether SkipStartupEnv is enabled. The environment is
// read once per process.
func SkipStartup() bool {
	return skipStartup()
}

func skipStartupFrom(getenv func(string) string) bool {
	switch strings.ToLower(strings.TrimSpace(getenv(SkipStartupEnv))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
