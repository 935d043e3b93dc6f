// Package logging is a thin Printf-style wrapper around the standard
// library's log package, generalized to prefix every line with the
// emitting process's role (master/enclave/proxy/ifn), since this
// daemon is split across several processes.
package logging

import "log"

// Logger is the minimal logging surface every package in this module
// depends on.
type Logger interface {
	Printf(format string, v ...any)
}

// roleLogger prefixes every line with its process role and, for an
// IFN, which interface it is.
type roleLogger struct {
	prefix string
}

// New returns a Logger that prefixes every line with role, e.g.
// "enclave: " or "ifn2: ".
func New(role string) Logger {
	return &roleLogger{prefix: role + ": "}
}

func (l *roleLogger) Printf(format string, v ...any) {
	log.Printf(l.prefix+format, v...)
}
