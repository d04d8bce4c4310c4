package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")

	content := `# comment
TEST_LOADENV_FOO=bar
TEST_LOADENV_EMPTY=
  TEST_LOADENV_SPACES = trimmed

MALFORMED_NO_EQUALS
`
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Unsetenv("TEST_LOADENV_FOO")
	os.Unsetenv("TEST_LOADENV_SPACES")
	t.Cleanup(func() {
		os.Unsetenv("TEST_LOADENV_FOO")
		os.Unsetenv("TEST_LOADENV_SPACES")
	})

	loadDotEnv(envFile)

	if v := os.Getenv("TEST_LOADENV_FOO"); v != "bar" {
		t.Errorf("TEST_LOADENV_FOO = %q, want %q", v, "bar")
	}
	if v := os.Getenv("TEST_LOADENV_SPACES"); v != "trimmed" {
		t.Errorf("TEST_LOADENV_SPACES = %q, want %q", v, "trimmed")
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TEST_LDENV_EXIST=fromfile\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TEST_LDENV_EXIST", "original")
	loadDotEnv(envFile)

	if v := os.Getenv("TEST_LDENV_EXIST"); v != "original" {
		t.Errorf("expected env to keep original value, got %q", v)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	// Should not panic on missing file.
	loadDotEnv("/nonexistent/.env")
}
