// Package logging centralizes the per-component logrus.Entry construction
// every other package in this module calls into, per the Logging
// component. It owns level parsing and the single root logrus.Logger the
// whole process shares.
package logging

import (
	log "github.com/sirupsen/logrus"
)

var root = log.StandardLogger()

// Configure sets the process-wide log level from a Configuration-supplied
// string (e.g. "debug", "info", "warn", "error"). An unrecognized level
// falls back to Info rather than failing the VMM's setup.
func Configure(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	root.SetLevel(lvl)
}

// For returns a *logrus.Entry seeded with component=name, the shape every
// package (virtio, devicemgr, supervisor, control) builds its own logger
// from.
func For(component string) *log.Entry {
	return root.WithField("component", component)
}
