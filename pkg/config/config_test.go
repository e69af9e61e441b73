package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sampleConfig struct {
	Name    string        `split_words:"true" required:"true"`
	Timeout time.Duration `split_words:"true" default:"5s"`
}

type checkedConfig struct {
	Attempts int `split_words:"true" default:"0"`
}

var errTooFewAttempts = errors.New("too few attempts")

func (c *checkedConfig) Validate() error {
	if c.Attempts < 1 {
		return errTooFewAttempts
	}
	return nil
}

func TestNewAppliesDefaultsAndPrefix(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "relay")

	conf, err := New[sampleConfig]("SAMPLE")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if conf.Name != "relay" {
		t.Fatalf("Name = %q, want %q", conf.Name, "relay")
	}
	if conf.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v, want 5s", conf.Timeout)
	}
}

func TestNewMissingRequired(t *testing.T) {
	if _, err := New[sampleConfig]("MISSINGPREFIX"); err == nil {
		t.Fatal("expected error for missing required field")
	}
}

func TestNewRunsValidate(t *testing.T) {
	t.Setenv("CHECKED_ATTEMPTS", "0")

	_, err := New[checkedConfig]("CHECKED")
	if !errors.Is(err, errTooFewAttempts) {
		t.Fatalf("New() error = %v, want errTooFewAttempts", err)
	}
}

func TestExportEnvironmentKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "EXPORT_TEST_A=from-file\nEXPORT_TEST_B=file-only\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXPORT_TEST_A", "from-process")
	t.Cleanup(func() { _ = os.Unsetenv("EXPORT_TEST_B") })

	if err := exportEnvironment(path); err != nil {
		t.Fatalf("exportEnvironment() error = %v", err)
	}
	if got := os.Getenv("EXPORT_TEST_A"); got != "from-process" {
		t.Fatalf("EXPORT_TEST_A = %q, want from-process", got)
	}
	if got := os.Getenv("EXPORT_TEST_B"); got != "file-only" {
		t.Fatalf("EXPORT_TEST_B = %q, want file-only", got)
	}
}
