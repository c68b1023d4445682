package util

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}

// Linux returns true if we're running on Linux
func Linux() bool {
	return runtime.GOOS == "linux"
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// RawDelta returns the absolute distance between two raw slider readings
func RawDelta(old int, new int) int {
	if new > old {
		return new - old
	}

	return old - new
}

// SignificantlyDifferent returns true if a raw slider reading moved further than the given threshold.
// The threshold itself is exclusive: a delta equal to it is still considered jitter
func SignificantlyDifferent(old int, new int, threshold int) bool {
	return RawDelta(old, new) > threshold
}
