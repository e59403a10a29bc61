package marketdata

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the console logger. With logFile set, all output goes to
// that file instead of stdout. The returned function syncs and closes it.
func NewLogger(level, logFile string) (*zap.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}

	out := zapcore.Lock(os.Stdout)
	closeFile := func() {}
	if logFile != "" {
		f, err := os.Create(logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("could not redirect output to file %q: %w", logFile, err)
		}
		out = zapcore.Lock(f)
		closeFile = func() { f.Close() }
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), out, lvl)
	logger := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	return logger, func() {
		_ = logger.Sync()
		closeFile()
	}, nil
}
