package adb

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ADB is a Channel implementation backed by the adb binary.
type ADB struct {
	binary  string
	serial  string
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs a channel for the device identified by serial. An empty
// serial targets whatever single device adb has attached.
func New(binary, serial string, timeout time.Duration, logger *slog.Logger) *ADB {
	if binary == "" {
		binary = "adb"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ADB{
		binary:  binary,
		serial:  serial,
		timeout: timeout,
		logger:  logger.With("component", "adb"),
	}
}

// Serial returns the device serial the channel is bound to.
func (a *ADB) Serial() string {
	return a.serial
}

// Run executes a shell command on the device and returns its combined output.
func (a *ADB) Run(ctx context.Context, command string) (string, error) {
	return a.exec(ctx, command, append(a.baseArgs(), "shell", command))
}

// ReadFile returns the contents of a remote file.
func (a *ADB) ReadFile(ctx context.Context, path string) (string, error) {
	return a.Run(ctx, "cat "+path)
}

// WriteFile replaces the contents of a remote file.
func (a *ADB) WriteFile(ctx context.Context, path, content string) error {
	_, err := a.Run(ctx, fmt.Sprintf("echo %s > %s", shellQuote(content), path))
	return err
}

// AppendFile appends a line to a remote file.
func (a *ADB) AppendFile(ctx context.Context, path, content string) error {
	_, err := a.Run(ctx, fmt.Sprintf("echo %s >> %s", shellQuote(content), path))
	return err
}

// ClearFile truncates a remote file.
func (a *ADB) ClearFile(ctx context.Context, path string) error {
	_, err := a.Run(ctx, "echo -n '' > "+path)
	return err
}

// Pull copies a remote file to local storage.
func (a *ADB) Pull(ctx context.Context, remotePath, localPath string) error {
	command := fmt.Sprintf("pull %s %s", remotePath, localPath)
	_, err := a.exec(ctx, command, append(a.baseArgs(), "pull", remotePath, localPath))
	return err
}

func (a *ADB) baseArgs() []string {
	if a.serial == "" {
		return nil
	}
	return []string{"-s", a.serial}
}

func (a *ADB) exec(ctx context.Context, command string, args []string) (string, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := exec.CommandContext(ctx, a.binary, args...).CombinedOutput()
	if err != nil {
		return "", &CommandError{Command: command, Output: string(out), Err: err}
	}
	a.logger.Debug("command complete", "command", command, "duration", time.Since(start))
	return string(out), nil
}

// shellQuote wraps content in single quotes for the remote shell, escaping
// embedded single quotes.
func shellQuote(content string) string {
	return "'" + strings.ReplaceAll(content, "'", `'\''`) + "'"
}
