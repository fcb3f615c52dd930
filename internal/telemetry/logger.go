package telemetry

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates the entrypoint logger. Output goes to stderr so it
// interleaves with sshd's own -e stream; the integration harness greps this
// stream, so the text formatter stays stable.
//
// debugLevel follows the validated SSH_DEBUG_LEVEL ordinal: 0 logs at info,
// anything higher enables debug logging.
func NewLogger(debugLevel int) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debugLevel > 0 {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// AddFileSink mirrors the log stream into a rotating file. Used when
// SSH_LOG_FILE is set; containers normally rely on stderr alone.
func AddFileSink(logger *logrus.Logger, path string) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
}
