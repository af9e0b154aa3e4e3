package examprep

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Global verbose flag
var verboseLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// SetVerbose toggles debug output on every Logger built by NewLogger.
func SetVerbose(verbose bool) {
	if verbose {
		verboseLevel.SetLevel(zap.DebugLevel)
		return
	}
	verboseLevel.SetLevel(zap.InfoLevel)
}

// VerboseLog logs only when verbose mode is enabled
func VerboseLog(format string, v ...interface{}) {
	zap.S().Debugf(format, v...)
}

// Logger is a thin key/value wrapper around zap's sugared logger.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// NewLogger builds a production logger for "prod"/"production" and a development one otherwise.
func NewLogger(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = verboseLevel
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(zl)
	return &Logger{SugaredLogger: zl.Sugar()}, nil
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}

func orNop(l *Logger) *Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}
