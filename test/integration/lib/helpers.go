package lib

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	sdklib "github.com/h2a-dev/genq/pkg/lib"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	FalKey string
}

// NewConfig loads integration test configuration from environment variables.
// If the activation env var or the fal key are not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "GENQ_INTEGRATION"
		envFalKey     = "GENQ_INTEGRATION_FAL_KEY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{FalKey: os.Getenv(envFalKey)}
	if c.FalKey == "" {
		t.Skipf("Skipping integration test: %s is not set", envFalKey)
	}

	return c
}

// NewTestClient creates an SDK client on the fal API with a temp SQLite DB
// for test isolation.
func NewTestClient(t *testing.T, config Config) *sdklib.Client {
	t.Helper()

	client, err := sdklib.New(context.Background(), sdklib.Config{
		DataDir:  t.TempDir(),
		Provider: sdklib.ProviderFal,
		FalKey:   config.FalKey,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
