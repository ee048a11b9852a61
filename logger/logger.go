// Package logger owns the process-wide zap logger and the field names
// imgbatch components log with.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger. It discards everything until Initialize runs.
	Logger = zap.NewNop().Sugar()

	// JSONOutput records whether Initialize selected the JSON encoder
	JSONOutput bool

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize replaces the global logger. JSON output uses zap's production
// encoder on stdout for log shippers; otherwise a colored console encoder is
// used. Entries at error level and above also go to stderr.
func Initialize(jsonOutput bool, verbosity int) error {
	JSONOutput = jsonOutput
	level.SetLevel(VerbosityToLevel(verbosity))

	var encoder zapcore.Encoder
	if jsonOutput {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	belowError := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return level.Enabled(l) && l < zapcore.ErrorLevel
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), belowError),
		zapcore.NewCore(encoder.Clone(), zapcore.Lock(os.Stderr), zapcore.ErrorLevel),
	)

	opts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if level.Enabled(zapcore.DebugLevel) {
		opts = append(opts, zap.AddCaller())
	}
	Logger = zap.New(core, opts...).Sugar()
	return nil
}

// SetVerbosity changes the level of the logger built by Initialize
func SetVerbosity(verbosity int) {
	level.SetLevel(VerbosityToLevel(verbosity))
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	_ = Logger.Sync()
}
