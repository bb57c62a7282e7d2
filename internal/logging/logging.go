// Package logging provides the debug toggle shared by v3mail packages.
package logging

import (
	"log"
	"os"
	"strings"
)

// DebugEnabled controls whether Debug() produces output.
// Set via --debug or V3MAIL_DEBUG=1.
var DebugEnabled bool

// Debug logs a message only when DebugEnabled is true.
func Debug(format string, args ...any) {
	if DebugEnabled {
		log.Printf("DEBUG: "+format, args...)
	}
}

// Init configures the standard logger for batch runs and applies the debug
// flag. The V3MAIL_DEBUG environment variable also enables debug output.
func Init(debug bool) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	switch strings.ToLower(os.Getenv("V3MAIL_DEBUG")) {
	case "1", "true", "yes", "on":
		debug = true
	}
	DebugEnabled = debug
}
