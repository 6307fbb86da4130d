package genq

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/h2a-dev/genq/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
	// FalKey enables the tests against the real fal API.
	FalKey string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "genq"
	}

	// If the path is already absolute, just check it exists.
	// If relative, the caller should pass an absolute path via the env var,
	// because go test changes the CWD to the test package directory.
	if !filepath.IsAbs(c.Binary) {
		return fmt.Errorf("GENQ_INTEGRATION_BINARY must be an absolute path, got %q", c.Binary)
	}
	if _, err := os.Stat(c.Binary); err != nil {
		return fmt.Errorf("genq binary not found at %q: %w", c.Binary, err)
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "GENQ_INTEGRATION"
		envBinary     = "GENQ_INTEGRATION_BINARY"
		envFalKey     = "GENQ_INTEGRATION_FAL_KEY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{
		Binary: os.Getenv(envBinary),
		FalKey: os.Getenv(envFalKey),
	}

	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// FakeRunner returns a runner on the fake provider with its own data directory.
func FakeRunner(t *testing.T, config Config) testutils.Runner {
	t.Helper()
	return testutils.Runner{
		Binary:     config.Binary,
		DataDir:    t.TempDir(),
		GlobalArgs: []string{"--provider", "fake", "--fake-event-interval", "10ms"},
	}
}

// FalRunner returns a runner on the fal API with its own data directory.
func FalRunner(t *testing.T, config Config) testutils.Runner {
	t.Helper()
	return testutils.Runner{
		Binary:     config.Binary,
		DataDir:    t.TempDir(),
		Env:        []string{fmt.Sprintf("FAL_KEY=%s", config.FalKey)},
		GlobalArgs: []string{"--provider", "fal"},
	}
}
