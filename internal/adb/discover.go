package adb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Device describes a single device reported by the adb server.
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
	Model  string `json:"model"`
}

// Usable reports whether the device is in a state that accepts commands.
func (d Device) Usable() bool {
	return d.State == "device"
}

// Discover enumerates the devices currently attached to the adb server.
func Discover(ctx context.Context, binary string, logger *slog.Logger) ([]Device, error) {
	if binary == "" {
		binary = "adb"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	out, err := exec.CommandContext(ctx, binary, "devices", "-l").CombinedOutput()
	if err != nil {
		return nil, &CommandError{Command: "devices -l", Output: string(out), Err: err}
	}

	devices := parseDevices(string(out))
	for _, dev := range devices {
		if !dev.Usable() {
			logger.Warn("device not usable", "serial", dev.Serial, "state", dev.State)
		}
	}
	return devices, nil
}

func parseDevices(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev := Device{Serial: fields[0], State: fields[1]}
		for _, field := range fields[2:] {
			if value, ok := strings.CutPrefix(field, "model:"); ok {
				dev.Model = value
			}
		}
		devices = append(devices, dev)
	}
	return devices
}

// PickDevice selects the device to target: the one matching serial when one
// is configured, otherwise the only usable device attached.
func PickDevice(devices []Device, serial string) (Device, error) {
	if serial != "" {
		for _, dev := range devices {
			if dev.Serial == serial {
				if !dev.Usable() {
					return Device{}, fmt.Errorf("device %s is %s", dev.Serial, dev.State)
				}
				return dev, nil
			}
		}
		return Device{}, fmt.Errorf("device %s not attached", serial)
	}

	var usable []Device
	for _, dev := range devices {
		if dev.Usable() {
			usable = append(usable, dev)
		}
	}
	switch len(usable) {
	case 0:
		return Device{}, fmt.Errorf("no usable device attached")
	case 1:
		return usable[0], nil
	default:
		return Device{}, fmt.Errorf("%d devices attached, set a serial to pick one", len(usable))
	}
}
