package logging

import (
	"log"
	"os"
)

// Logger is a simple logger that writes to the console.
type Logger struct {
	*log.Logger
	component string
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

// With returns a Logger that prefixes every message with the component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

func (l *Logger) print(level, msg string, args ...interface{}) {
	if l.component != "" {
		l.Printf(level+": ["+l.component+"] "+msg, args...)
		return
	}
	l.Printf(level+": "+msg, args...)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.print("INFO", msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.print("WARN", msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.print("ERROR", msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.print("DEBUG", msg, args...)
}
