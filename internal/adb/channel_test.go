package adb

import (
	"errors"
	"strings"
	"testing"
)

func TestCommandErrorFormatting(t *testing.T) {
	base := errors.New("exit status 1")
	err := &CommandError{Command: "cat /d/tracing/trace", Output: "cat: /d/tracing/trace: Permission denied\n", Err: base}

	msg := err.Error()
	if !strings.Contains(msg, "cat /d/tracing/trace") {
		t.Fatalf("message missing command: %q", msg)
	}
	if !strings.Contains(msg, "Permission denied") {
		t.Fatalf("message missing output: %q", msg)
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is failed to unwrap")
	}

	bare := &CommandError{Command: "ls", Err: base}
	if strings.HasSuffix(bare.Error(), ": ") {
		t.Fatalf("empty output should not leave a trailing separator: %q", bare.Error())
	}
}

func TestShellQuote(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tc := range testCases {
		if got := shellQuote(tc.in); got != tc.want {
			t.Fatalf("shellQuote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseDevices(t *testing.T) {
	output := `List of devices attached
0123456789ABCDEF       device usb:1-2 product:walleye model:Pixel_2 device:walleye transport_id:1
emulator-5554          offline
* daemon started successfully

`
	devices := parseDevices(output)
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d: %+v", len(devices), devices)
	}
	if devices[0].Serial != "0123456789ABCDEF" || devices[0].State != "device" || devices[0].Model != "Pixel_2" {
		t.Fatalf("unexpected first device: %+v", devices[0])
	}
	if !devices[0].Usable() {
		t.Fatalf("first device should be usable")
	}
	if devices[1].Serial != "emulator-5554" || devices[1].State != "offline" {
		t.Fatalf("unexpected second device: %+v", devices[1])
	}
	if devices[1].Usable() {
		t.Fatalf("offline device should not be usable")
	}
}

func TestParseDevicesEmpty(t *testing.T) {
	if devices := parseDevices("List of devices attached\n\n"); len(devices) != 0 {
		t.Fatalf("expected no devices, got %+v", devices)
	}
}

func TestPickDevice(t *testing.T) {
	attached := []Device{
		{Serial: "A", State: "device"},
		{Serial: "B", State: "offline"},
	}

	dev, err := PickDevice(attached, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.Serial != "A" {
		t.Fatalf("expected device A, got %+v", dev)
	}

	dev, err = PickDevice(attached, "A")
	if err != nil || dev.Serial != "A" {
		t.Fatalf("explicit serial failed: %+v, %v", dev, err)
	}

	if _, err := PickDevice(attached, "B"); err == nil {
		t.Fatalf("expected error for offline device")
	}
	if _, err := PickDevice(attached, "C"); err == nil {
		t.Fatalf("expected error for unknown serial")
	}
	if _, err := PickDevice(nil, ""); err == nil {
		t.Fatalf("expected error for no devices")
	}

	both := []Device{
		{Serial: "A", State: "device"},
		{Serial: "B", State: "device"},
	}
	if _, err := PickDevice(both, ""); err == nil {
		t.Fatalf("expected error for ambiguous selection")
	}
}
