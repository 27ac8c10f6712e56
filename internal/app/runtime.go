package app

import (
	"os"
	"strconv"
)

const testModeEnv = "AGRILOG_TEST_MODE"

// InTestMode reports whether binaries should skip runtime side effects such as
// connecting to Postgres. Test packages enable it by importing
// internal/testing/guard.
func InTestMode() bool {
	enabled, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	return enabled
}
