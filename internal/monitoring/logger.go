// Package monitoring carries the ingest's diagnostics: a swappable package
// logger and the throughput counters published to the status buffer.
package monitoring

import "log"

// Logf emits one diagnostic line. It is a variable so the daemon, the tools
// and the tests can route or silence output without threading a logger
// through every hot-path type; the default goes to the standard logger.
var Logf = log.Printf

// SetLogger swaps the diagnostic sink. A nil argument mutes the package.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var debugEnabled bool

// SetDebug toggles Debugf output. Off by default: the ingest loop calls
// Debugf per rejected packet, which is far too chatty for production logs.
func SetDebug(enabled bool) {
	debugEnabled = enabled
}

// Debugf logs through Logf only while debug logging is enabled.
func Debugf(format string, v ...interface{}) {
	if debugEnabled {
		Logf(format, v...)
	}
}
