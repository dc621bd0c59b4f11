package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BARKEEP_TEST_KEY=from-file\nBARKEEP_TEST_SET=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BARKEEP_TEST_SET", "from-env")
	t.Setenv("BARKEEP_TEST_KEY", "")
	os.Unsetenv("BARKEEP_TEST_KEY")

	if err := loadEnv(path); err != nil {
		t.Fatalf("loadEnv: %v", err)
	}
	if got := os.Getenv("BARKEEP_TEST_KEY"); got != "from-file" {
		t.Errorf("BARKEEP_TEST_KEY = %q, want from-file", got)
	}
	if got := os.Getenv("BARKEEP_TEST_SET"); got != "from-env" {
		t.Errorf("BARKEEP_TEST_SET = %q, existing value must win", got)
	}
}

func TestLoadEnv_MissingFile(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("loadEnv on a missing file = %v, want nil", err)
	}
	if err := loadEnv(""); err != nil {
		t.Errorf("loadEnv(\"\") = %v, want nil", err)
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("store:\n  driver: sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	noEnv := filepath.Join(dir, "none.env")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"-bogus"}, 2},
		{"missing config", []string{"-env", noEnv, "-config", filepath.Join(dir, "missing.yaml")}, 1},
		{"invalid config", []string{"-env", noEnv, "-config", bad}, 1},
		{"worker invalid config", []string{"worker", "-env", noEnv, "-config", bad}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestOrDisabled(t *testing.T) {
	t.Parallel()
	tests := []struct{ name, detail, want string }{
		{"", "gpt", "(disabled)"},
		{"openai", "", "openai"},
		{"openai", "gpt-4o-mini", "openai / gpt-4o-mini"},
	}
	for _, tt := range tests {
		if got := orDisabled(tt.name, tt.detail); got != tt.want {
			t.Errorf("orDisabled(%q, %q) = %q, want %q", tt.name, tt.detail, got, tt.want)
		}
	}
}
