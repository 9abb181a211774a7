package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	logger       = stdlog.New(os.Stdout, "", 0)
	outputPath   = "stdout"
	outputFile   *os.File
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

// SetOutput directs log output to "stdout", "stderr" or a file path (opened for append).
func SetOutput(path string) error {
	mu.Lock()
	defer mu.Unlock()
	return openLocked(path)
}

// SetWriter replaces the output with w. Used by tests.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
	outputPath = ""
	logger = stdlog.New(w, "", 0)
}

// OutputPath returns the file currently written to, or "" for stdout/stderr.
func OutputPath() string {
	mu.RLock()
	defer mu.RUnlock()
	if outputFile == nil {
		return ""
	}
	return outputPath
}

// Reopen closes and reopens the current log file. No-op for stdout/stderr.
func Reopen() error {
	mu.Lock()
	defer mu.Unlock()
	if outputFile == nil {
		return nil
	}
	return openLocked(outputPath)
}

func openLocked(path string) error {
	var w io.Writer
	var f *os.File

	switch strings.ToLower(path) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		w = f
	}

	closeFileLocked()
	outputFile = f
	outputPath = path
	logger = stdlog.New(w, "", 0)
	return nil
}

func closeFileLocked() {
	if outputFile != nil {
		_ = outputFile.Close()
		outputFile = nil
	}
}

func log(level Level, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	if level < currentLevel {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	prefix := fmt.Sprintf("[%s] [%s] ", timestamp, level.String())
	message := fmt.Sprintf(format, v...)
	logger.Println(prefix + message)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
