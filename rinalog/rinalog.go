// Package rinalog provides the shared logging facade used across the
// core's components. rmt accepts a *log.Logger via its WithLogger
// option (no other component logs), following the pattern of the
// ovsdb.Debug option in
// github.com/digitalocean/go-openvswitch/ovsdb: logging is opt-in and
// silent by default, so the core never forces a logging backend on its
// caller.
package rinalog

import (
	"io"
	"log"
	"os"
)

// Discard is a logger that drops everything written to it. Components
// default to Discard until a caller supplies a real logger.
var Discard = log.New(io.Discard, "", 0)

// New returns a *log.Logger labelled with prefix, writing to stderr with
// microsecond timestamps. Nothing in this module installs it by
// default (cmd/rina-demo does not); callers are free to pass it or any
// other *log.Logger, including Discard, to rmt.WithLogger.
func New(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix+": ", log.LstdFlags|log.Lmicroseconds)
}
