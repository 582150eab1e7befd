// Package vmlog hands out one logrus entry per subsystem, tagging every
// record with the subsystem name the way the teacher's kernel.Error tags
// every error with a Module. This module runs as a hosted simulator
// process (not a freestanding kernel), so a real logging library is used
// in place of the teacher's no-libc kfmt printf (see SPEC_FULL.md).
package vmlog

import "github.com/sirupsen/logrus"

var base = logrus.New()

// For returns a logger entry pre-tagged with the given subsystem name.
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}

// SetLevel adjusts the verbosity of every subsystem logger. No subsystem
// emits Debug-level records; the walker does no per-walk tracing.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
