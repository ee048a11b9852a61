package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityDefault = 0 // No flags: info and above
	VerbosityDebug   = 1 // -v: + debug messages
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels.
// A negative verbosity (--quiet) suppresses everything below warnings.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity < 0:
		return zapcore.WarnLevel
	case verbosity == VerbosityDefault:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
