package ups

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test scripts are POSIX shell")
	}
	path := filepath.Join(dir, "ups.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write test script: %v", err)
	}
	return path
}

func TestPollHealthyReading(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo '{"timestamp":"2026-07-30T00:00:00Z","battery_state":"online","battery_charge_percent":100,"battery_runtime_seconds":3600}'`)

	m := NewMonitor("main-ups", script, time.Second, 20, 300, nil)
	m.Poll(context.Background())

	if !m.Healthy() {
		t.Fatalf("expected an online UPS to be healthy")
	}
}

func TestPollLowChargeIsUnhealthy(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo '{"timestamp":"2026-07-30T00:00:00Z","battery_state":"on_battery","battery_charge_percent":5,"battery_runtime_seconds":60}'`)

	m := NewMonitor("main-ups", script, time.Second, 20, 300, nil)
	m.Poll(context.Background())

	if m.Healthy() {
		t.Fatalf("expected a low-charge on-battery UPS to be unhealthy")
	}
}

func TestNonZeroExitIsUnknownAndUnhealthy(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `exit 1`)

	m := NewMonitor("main-ups", script, time.Second, 20, 300, nil)
	m.Poll(context.Background())

	r, ok := m.Last()
	if ok || r.BatteryState != StateUnknown {
		t.Fatalf("expected a failing script to produce an unknown reading, got %+v ok=%v", r, ok)
	}
	if m.Healthy() {
		t.Fatalf("expected unknown health to be treated as unhealthy")
	}
}

func TestMalformedOutputIsUnknown(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo 'not json'`)

	m := NewMonitor("main-ups", script, time.Second, 20, 300, nil)
	m.Poll(context.Background())

	if m.Healthy() {
		t.Fatalf("expected malformed output to be treated as unhealthy")
	}
}
