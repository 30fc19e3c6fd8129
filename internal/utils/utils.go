package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a bounded buffer to catch Stderr
// (ffmpeg and worker logs) so crash details are not lost when a child dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := NewTailBuffer(64 * 1024)
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// TailBuffer keeps only the last Max bytes written to it. exec.Cmd writes to
// it from its own goroutine, so every access is locked.
type TailBuffer struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

// NewTailBuffer creates a TailBuffer holding at most max bytes.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{Max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.Max; t.Max > 0 && over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// ShowError prints a formatted error box to stderr and dumps the captured
// child logs if a SafeCommand is provided. Callers still return the error.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 REELMATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// ShowWarning prints a single warning line to stderr.
func ShowWarning(msg string) {
	fmt.Fprintf(os.Stderr, "⚠️  %s\n", msg)
}

// --- 2. Identity & Formatting ---

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}

// FmtTime renders seconds as HH:MM:SS.
func FmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
