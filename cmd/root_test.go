// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdictlabs/verdict-cli/internal/config"
	"github.com/verdictlabs/verdict-cli/internal/observability"
)

// resetForTest is the single source of truth for resetting shared state
// between command executions.
func resetForTest(t *testing.T) {
	t.Helper()

	// Viper state is global; each test starts from a clean slate.
	viper.Reset()

	// A silent logger keeps test output readable. Consuming the init guard
	// here also makes the root command's own logger setup a no-op.
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
}

// writeTestConfig drops a minimal config file into a temp dir so tests never
// pick up a developer's ~/.verdict.yaml.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()

	content := "logger:\n  level: fatal\n" + extra
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestRootCmd_VersionFlag tests if the --version flag works correctly.
func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)

	// Arrange
	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"--version"})

	// Act
	err := rootCmd.ExecuteContext(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Contains(t, out.String(), "0.1.0-dev")
}

// TestRootCmd_NoArgs tests the behavior when no arguments are provided.
func TestRootCmd_NoArgs(t *testing.T) {
	resetForTest(t)

	// Arrange
	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{})

	// Act
	err := rootCmd.ExecuteContext(context.Background())

	// Assert: the root command is not runnable on its own, so help is shown.
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Verdict ingests the artifacts")
	assert.Contains(t, out.String(), "analyze")
	assert.Contains(t, out.String(), "serve")
}

// TestRootCmd_BadConfigFile verifies that a malformed config file surfaces a
// readable error instead of silently falling back to defaults.
func TestRootCmd_BadConfigFile(t *testing.T) {
	resetForTest(t)

	// Arrange
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logger: [unclosed"), 0644))

	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"version", "--config", cfgPath})

	// Act
	err := rootCmd.ExecuteContext(context.Background())

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

// TestVersionCmd verifies the version subcommand prints the build triplet.
func TestVersionCmd(t *testing.T) {
	resetForTest(t)

	// Arrange
	cfgPath := writeTestConfig(t, "")
	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"version", "--config", cfgPath})

	// Act
	err := rootCmd.ExecuteContext(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Contains(t, out.String(), "verdict 0.1.0-dev (commit none, built unknown)")
}
