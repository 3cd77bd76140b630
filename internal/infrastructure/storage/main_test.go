package storage

import (
	"os"
	"testing"
)

// TestMain is intentionally the default runner: the repository tests in
// this package each spin up their own disposable Postgres container via
// testcontainers-go rather than sharing one process-wide embedded
// database, so each test has full control over its container's
// lifecycle and isolation.
func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
