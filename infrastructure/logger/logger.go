package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger = log.New()

func init() {
	logger.Out = os.Stderr
	logger.Formatter = &log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
	logger.SetLevel(log.InfoLevel)
}

// Configure sets level, format ("json" or "text") and output of the process logger.
// A nil out keeps the current output.
func Configure(level, format string, out io.Writer) error {
	if level != "" {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		logger.SetLevel(lvl)
	}
	switch format {
	case "", "json":
		logger.Formatter = &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	case "text":
		logger.Formatter = &log.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true}
	default:
		return fmt.Errorf("logger: unknown format %q", format)
	}
	if out != nil {
		logger.Out = out
	}
	return nil
}

// OpenLogFile opens dir/<date>.log for appending. The caller owns the file.
func OpenLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	filePath := filepath.Join(dir, fmt.Sprintf("%s.log", time.Now().Format("2006-01-02")))
	return os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func GetLogger() *log.Entry {
	function, file, line, _ := runtime.Caller(1)

	functionObject := runtime.FuncForPC(function)
	entry := logger.WithFields(log.Fields{
		"function": functionObject.Name(),
		"file":     filepath.Base(file),
		"line":     line,
	})

	return entry
}
