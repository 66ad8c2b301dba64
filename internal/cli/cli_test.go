package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rankwell/rankwell/internal/auth/broker"
	"github.com/rankwell/rankwell/internal/auth/session"
	"github.com/rankwell/rankwell/internal/config"
	"github.com/rankwell/rankwell/internal/prompt"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := outWriter
	outWriter = &buf
	t.Cleanup(func() { outWriter = prev })
	return &buf
}

func TestVersionCommand(t *testing.T) {
	buf := captureOutput(t)

	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version command error = %v", err)
	}

	if !strings.HasPrefix(buf.String(), "rankwell ") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestEnsureClientIDPromptsOnceAndSaves(t *testing.T) {
	captureOutput(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	t.Setenv("RANKWELL_CONFIG", cfgPath)
	t.Setenv("RANKWELL_GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_ID", "")

	mock := &prompt.Mock{
		InputFunc: func(cfg prompt.InputConfig) (string, error) {
			return "777-test.apps.googleusercontent.com", nil
		},
	}
	prompt.SetDefault(mock)
	t.Cleanup(func() { prompt.SetDefault(&prompt.Huh{}) })

	if err := ensureClientID(); err != nil {
		t.Fatalf("ensureClientID() error = %v", err)
	}
	if len(mock.InputCalls) != 1 {
		t.Fatalf("prompt calls = %d, want 1", len(mock.InputCalls))
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() after save error = %v", err)
	}
	if cfg.Google.ClientID != "777-test.apps.googleusercontent.com" {
		t.Errorf("saved client ID = %q", cfg.Google.ClientID)
	}

	// Second run finds the saved ID and never prompts.
	if err := ensureClientID(); err != nil {
		t.Fatalf("second ensureClientID() error = %v", err)
	}
	if len(mock.InputCalls) != 1 {
		t.Errorf("prompt calls after second run = %d", len(mock.InputCalls))
	}
}

func TestEnsureClientIDNonInteractive(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	t.Setenv("RANKWELL_CONFIG", cfgPath)
	t.Setenv("RANKWELL_GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_ID", "")

	quiet = true
	t.Cleanup(func() { quiet = false })

	if err := ensureClientID(); !errors.Is(err, session.ErrClientIDMissing) {
		t.Fatalf("ensureClientID() error = %v, want ErrClientIDMissing", err)
	}
}

func TestDescribeLoginError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want string
	}{
		{name: "blocked browser", in: broker.ErrBrowserBlocked, want: "could not open a browser"},
		{name: "declined", in: session.ErrConsentDeclined, want: "declined"},
		{name: "abandoned", in: broker.ErrFlowAbandoned, want: "timed out"},
		{name: "stale", in: session.ErrStaleVerifier, want: "expired"},
		{name: "generic", in: errors.New("boom"), want: "connect failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describeLoginError(tt.in)
			if got == nil || !strings.Contains(got.Error(), tt.want) {
				t.Errorf("describeLoginError(%v) = %v, want substring %q", tt.in, got, tt.want)
			}
		})
	}
}
