// File: cmd/serve_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServeCmd_StopsOnContextCancel verifies the serve command shuts down
// cleanly when its context is cancelled, as happens on SIGINT.
func TestServeCmd_StopsOnContextCancel(t *testing.T) {
	resetForTest(t)
	t.Setenv("VERDICT_LLM_API_KEY", "test-key")

	// Arrange: port zero lets the kernel pick a free listener.
	cfgPath := writeTestConfig(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"serve", "--config", cfgPath, "--listen", "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(ctx) }()

	// Act: give the listener a moment to come up, then stop the run.
	time.Sleep(150 * time.Millisecond)
	cancel()

	// Assert
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not shut down after context cancellation")
	}
}

// TestServeCmd_BadListenAddr verifies a listener that cannot come up turns
// into a command error instead of a hung process.
func TestServeCmd_BadListenAddr(t *testing.T) {
	resetForTest(t)
	t.Setenv("VERDICT_LLM_API_KEY", "test-key")

	// Arrange
	cfgPath := writeTestConfig(t, "")
	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"serve", "--config", cfgPath, "--listen", "127.0.0.1:999999"})

	// Act
	err := rootCmd.ExecuteContext(context.Background())

	// Assert
	require.Error(t, err)
}
