package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nREFLECTCHAT_TEST_A=hello\nREFLECTCHAT_TEST_B = spaced \nNOEQUALS\n=nokey\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("REFLECTCHAT_TEST_A", "")
	t.Setenv("REFLECTCHAT_TEST_B", "")
	t.Setenv("REFLECTCHAT_TEST_C", "existing")
	os.Unsetenv("REFLECTCHAT_TEST_A")
	os.Unsetenv("REFLECTCHAT_TEST_B")

	loadDotEnv(path)

	if got := os.Getenv("REFLECTCHAT_TEST_A"); got != "hello" {
		t.Fatalf("REFLECTCHAT_TEST_A = %q, want %q", got, "hello")
	}
	if got := os.Getenv("REFLECTCHAT_TEST_B"); got != "spaced" {
		t.Fatalf("REFLECTCHAT_TEST_B = %q, want %q", got, "spaced")
	}
	// Existing values are never overridden.
	if got := os.Getenv("REFLECTCHAT_TEST_C"); got != "existing" {
		t.Fatalf("REFLECTCHAT_TEST_C = %q, want %q", got, "existing")
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "does-not-exist"))
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:18790: bind: address already in use")) {
		t.Fatal("string fallback did not match")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error matched")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	defer func() { execCommandFunc = orig }()

	execCommandFunc = func(name string, args ...string) *exec.Cmd {
		return exec.Command("echo", "12345")
	}
	hint := portOccupantHint("127.0.0.1:18790")
	if !strings.Contains(hint, "12345") {
		t.Fatalf("hint = %q, want PID mention", hint)
	}

	execCommandFunc = func(name string, args ...string) *exec.Cmd {
		return exec.Command("false")
	}
	hint = portOccupantHint("not-an-addr")
	if !strings.Contains(hint, "not-an-addr") {
		t.Fatalf("hint = %q, want raw addr mention", hint)
	}
}
