package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts
const (
	VerbosityUser  = 0 // No flags: user-facing output only
	VerbosityInfo  = 1 // -v: informational messages
	VerbosityDebug = 2 // -vv: debug messages
	VerbosityTrace = 3 // -vvv: trace-level debugging
)

// VerbosityToLevel maps verbosity flags (-v, -vv, etc.) to zap log levels
//
// Mapping:
//
//	0 (none)  -> WarnLevel  (errors and warnings only)
//	1 (-v)    -> InfoLevel  (+ informational messages)
//	2+ (-vv)  -> DebugLevel (+ debug messages; zap has no finer levels)
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch verbosity {
	case VerbosityUser:
		return zapcore.WarnLevel
	case VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ShouldLogTrace returns true for verbosity >= 3 (-vvv)
// Use this for very detailed trace logging (per-tick, per-frame)
func ShouldLogTrace(verbosity int) bool {
	return verbosity >= VerbosityTrace
}
