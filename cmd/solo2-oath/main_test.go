package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	base := []string{"-simulate", "-log-level", "error", "-config", filepath.Join(t.TempDir(), "config.json")}
	err := run(ctx, append(base, args...), strings.NewReader(""), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRun_List(t *testing.T) {
	out, _, err := runCLI(t, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, label := range []string{"example:alice", "demo"} {
		if !strings.Contains(out, label) {
			t.Fatalf("Expected %q in output:\n%s", label, out)
		}
	}
	if !strings.Contains(out, "valid for") {
		t.Fatalf("Expected remaining lifetime in output:\n%s", out)
	}
}

func TestRun_AddThenCopy(t *testing.T) {
	out, _, err := runCLI(t, "add", "-label", "new", "-secret", "JBSW Y3DP EHPK 3PXP")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !strings.Contains(out, "new") {
		t.Fatalf("Expected the new label in output:\n%s", out)
	}

	out, _, err = runCLI(t, "copy", "-label", "demo", "-print")
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if code := strings.TrimSpace(out); len(code) != 6 {
		t.Fatalf("Expected a 6 digit code, got %q", code)
	}
}

func TestRun_InvalidSecret(t *testing.T) {
	_, _, err := runCLI(t, "add", "-label", "bad", "-secret", "not*base32")
	if err == nil || !strings.Contains(err.Error(), "InvalidSecret") {
		t.Fatalf("Expected InvalidSecret, got %v", err)
	}
}

func TestRun_UnknownLabel(t *testing.T) {
	_, _, err := runCLI(t, "delete", "-label", "nope")
	if err == nil || !strings.Contains(err.Error(), "UnknownLabel") {
		t.Fatalf("Expected UnknownLabel, got %v", err)
	}
}

func TestRun_Info(t *testing.T) {
	out, _, err := runCLI(t, "info")
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	if !strings.Contains(out, "5eed5eed000040008000000000000002") {
		t.Fatalf("Expected the simulated UUID in output:\n%s", out)
	}
}

func TestRun_ConfigSchema(t *testing.T) {
	out, _, err := runCLI(t, "config-schema")
	if err != nil {
		t.Fatalf("config-schema failed: %v", err)
	}
	if !strings.Contains(out, `"totp_period_default"`) {
		t.Fatalf("Expected schema properties in output:\n%s", out)
	}
}

func TestRun_Usage(t *testing.T) {
	_, stderr, err := runCLI(t, "frobnicate")
	if !errors.Is(err, errUsage) {
		t.Fatalf("Expected errUsage, got %v", err)
	}
	if !strings.Contains(stderr, `unknown command "frobnicate"`) {
		t.Fatalf("Expected unknown command message, got:\n%s", stderr)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR"} {
		l, err := parseLevel(in)
		if err != nil {
			t.Fatalf("parseLevel(%q) failed: %v", in, err)
		}
		if l.String() != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, l, want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("Expected error for unknown level")
	}
}
