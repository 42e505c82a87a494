package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if *c != *Default() {
		t.Fatalf("Expected defaults, got %+v", c)
	}
	if c.OperationTimeout.Std() != 3*time.Second {
		t.Fatalf("Expected 3s timeout, got %s", c.OperationTimeout.Std())
	}
}

func TestLoad_FileAndUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"version":1,"totp_period_default":60,"totp_digits_default":8,"operation_timeout":"1500ms","theme":"dark"}`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.TOTPPeriodDefault != 60 || c.TOTPDigitsDefault != 8 || c.OperationTimeout.Std() != 1500*time.Millisecond {
		t.Fatalf("Unexpected config %+v", c)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"totp_period_default":60,"reader_filter":"yubi"}`)
	t.Setenv("SOLO2_TOTP_PERIOD_DEFAULT", "45")
	t.Setenv("SOLO2_READER_FILTER", "solo")
	t.Setenv("SOLO2_OPERATION_TIMEOUT", "5s")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.TOTPPeriodDefault != 45 || c.ReaderFilter != "solo" || c.OperationTimeout.Std() != 5*time.Second {
		t.Fatalf("Expected env overrides, got %+v", c)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string]string{
		"future version": `{"version":2}`,
		"zero period":    `{"totp_period_default":0}`,
		"seven digits":   `{"totp_digits_default":7}`,
		"refresh rate":   `{"refresh_hz":2}`,
		"encoding":       `{"secret_encoding":"base64"}`,
		"redis no addr":  `{"event_broker":"redis"}`,
		"bad broker":     `{"event_broker":"kafka"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			writeFile(t, path, body)
			if _, err := Load(path); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{`)
	if _, err := Load(path); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestSchema(t *testing.T) {
	b, err := json.Marshal(Schema())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var doc struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if doc.Type != "object" {
		t.Fatalf("Expected object schema, got %q", doc.Type)
	}
	for _, key := range []string{"totp_period_default", "totp_digits_default", "refresh_hz", "secret_encoding", "operation_timeout"} {
		if _, ok := doc.Properties[key]; !ok {
			t.Fatalf("Expected property %q in schema %s", key, b)
		}
	}
	var timeout struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(doc.Properties["operation_timeout"], &timeout)
	if timeout.Type != "string" {
		t.Fatalf("Expected operation_timeout to be a string, got %q", timeout.Type)
	}
}

func TestStore_Replace(t *testing.T) {
	s := NewStore(nil)
	first := s.Load()
	next := Default()
	next.TOTPPeriodDefault = 60
	if prev := s.Replace(next); prev != first {
		t.Fatal("Expected Replace to return previous config")
	}
	if s.Load().TOTPPeriodDefault != 60 {
		t.Fatal("Expected replacement to be visible")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"totp_period_default":30}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c *Config) { got <- c }) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `{"totp_period_default":0}`)
	time.Sleep(300 * time.Millisecond)
	writeFile(t, path, `{"totp_period_default":90}`)

	select {
	case c := <-got:
		if c.TOTPPeriodDefault != 90 {
			t.Fatalf("Expected only the valid replacement, got period %d", c.TOTPPeriodDefault)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for reload")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
