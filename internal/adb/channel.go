// Package adb provides the command channel to the target device: synchronous
// remote command execution, remote file primitives and file transfer.
package adb

import (
	"context"
	"fmt"
	"strings"
)

// Channel is the synchronous command-execution surface against a device.
// Every call blocks until the remote command completes. The channel performs
// no retries; retry policy belongs to the caller.
type Channel interface {
	// Run executes a shell command on the device and returns its output.
	Run(ctx context.Context, command string) (string, error)
	// ReadFile returns the contents of a remote file.
	ReadFile(ctx context.Context, path string) (string, error)
	// WriteFile replaces the contents of a remote file.
	WriteFile(ctx context.Context, path, content string) error
	// AppendFile appends a line to a remote file.
	AppendFile(ctx context.Context, path, content string) error
	// ClearFile truncates a remote file.
	ClearFile(ctx context.Context, path string) error
	// Pull copies a remote file to local storage.
	Pull(ctx context.Context, remotePath, localPath string) error
}

// CommandError reports a failed channel operation together with the command
// that caused it and whatever output the device produced.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("adb: %q: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("adb: %q: %v: %s", e.Command, e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
