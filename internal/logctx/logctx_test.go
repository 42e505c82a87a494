package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithDeviceData(context.Background(), &DeviceData{ID: "abc", Reader: "r0", Generation: 3})
	ctx = WithIntentData(ctx, &IntentData{Kind: "SnapshotNow", ID: "1"})
	log.InfoContext(ctx, "device.snapshot.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Failed to decode record %q: %v", buf.String(), err)
	}
	dev, ok := rec["device"].(map[string]any)
	if !ok || dev["id"] != "abc" || dev["reader"] != "r0" {
		t.Fatalf("Expected device group, got %v", rec)
	}
	intent, ok := rec["intent"].(map[string]any)
	if !ok || intent["kind"] != "SnapshotNow" {
		t.Fatalf("Expected intent group, got %v", rec)
	}
	if rec["component"] != "test" {
		t.Fatalf("Expected With attrs to survive wrapping, got %v", rec)
	}
}
