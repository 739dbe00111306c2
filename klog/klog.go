// Package klog provides the kernel's ambient logging surface: a thin
// level-tagged wrapper over log.Logger, kept narrow so call sites read
// like bare Printf calls at boot milestones and slow paths, while staying
// redirectable in tests.
package klog

import (
	"io"
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags)

// SetOutput redirects all subsequent log output, e.g. to a console/TTY
// sink once one is available, or a buffer in tests.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// Infof logs an informational milestone, e.g. allocator init or a
// successful W^X flip.
func Infof(format string, args ...any) {
	std.Printf("[info] "+format, args...)
}

// Warnf logs a recoverable but noteworthy condition, e.g. a page fault
// outside any lazy extent.
func Warnf(format string, args ...any) {
	std.Printf("[warn] "+format, args...)
}

// Errorf logs an error being returned to a caller.
func Errorf(format string, args ...any) {
	std.Printf("[error] "+format, args...)
}
