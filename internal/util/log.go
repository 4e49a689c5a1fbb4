// Package util provides logging, statistics and id helpers shared by every
// component.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger prefixes every line with a component tag and instance id, e.g.
// "RC [1f0c9a2e]".
type Logger struct {
	prefix string
}

// NewLogger returns a logger for a new instance of component.
func NewLogger(component string) Logger {
	return Logger{prefix: fmt.Sprintf("%s [%s] ", component, ShortID())}
}

// Prefix returns the tag put in front of each line.
func (l Logger) Prefix() string { return l.prefix }

func (l Logger) Debug(format string, args ...interface{}) {
	LogDebug(l.prefix+format, args...)
}

func (l Logger) Info(format string, args ...interface{}) {
	LogInfo(l.prefix+format, args...)
}

func (l Logger) Success(format string, args ...interface{}) {
	LogSuccess(l.prefix+format, args...)
}

func (l Logger) Warning(format string, args ...interface{}) {
	LogWarning(l.prefix+format, args...)
}

func (l Logger) Error(format string, args ...interface{}) {
	LogError(l.prefix+format, args...)
}
