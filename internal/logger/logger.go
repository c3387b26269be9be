package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var (
	updateLogger *log.Logger

	DebugEnabled = false

	logFile *os.File
)

// InitLogging sets up logging for the updater core. With debugMode off the
// core stays silent; with it on, log lines go to logPath (or stderr when
// logPath is empty).
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode
	if !DebugEnabled {
		return nil
	}

	var out io.Writer = os.Stderr

	if logPath != "" {
		logDir := filepath.Dir(logPath)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		logFile = f
		out = f
	}

	updateLogger = log.New(out, "", log.Ldate|log.Ltime|log.Lshortfile)

	return nil
}

// Close closes the log file if open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func Infof(format string, v ...interface{}) {
	if DebugEnabled && updateLogger != nil {
		updateLogger.Printf("[INFO] "+format, v...)
	}
}

// Errorf logs an error message if debug mode is enabled.
func Errorf(format string, v ...interface{}) {
	if DebugEnabled && updateLogger != nil {
		updateLogger.Printf("[ERROR] "+format, v...)
	}
}

func Debugf(format string, v ...interface{}) {
	if DebugEnabled && updateLogger != nil {
		updateLogger.Printf("[DEBUG] "+format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if DebugEnabled && updateLogger != nil {
		updateLogger.Printf("[WARNING] "+format, v...)
	}
}
