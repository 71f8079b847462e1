// Package logging holds the run log. Progress for humans goes to stdout at
// the call sites; this package appends the permanent record to the log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	mu   sync.Mutex
	out  io.Writer
	echo io.Writer
)

// Logf appends one timestamped line to the run log. Safe for concurrent use;
// a no-op until ToFile or SetOutput wired a destination.
func Logf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	if out != nil {
		io.WriteString(out, line)
	}
	if echo != nil {
		io.WriteString(echo, line)
	}
}

// SetEcho mirrors every Logf line to w on top of the run log, for verbose
// terminal output. nil turns mirroring off.
func SetEcho(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	echo = w
}

// SetOutput redirects the run log, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// ToFile opens (appending) the run log at path. The returned func closes it.
func ToFile(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	SetOutput(f)
	return func() error {
		SetOutput(nil)
		return f.Close()
	}, nil
}
