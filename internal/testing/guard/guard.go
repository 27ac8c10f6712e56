// Package guard flips the application into test mode when imported by tests.
package guard

import "os"

func init() {
	if _, set := os.LookupEnv("AGRILOG_TEST_MODE"); !set {
		_ = os.Setenv("AGRILOG_TEST_MODE", "1")
	}
}
