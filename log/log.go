/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package log is a small leveled logger used throughout the module
// instead of the bare standard library "log" package, matching the
// teacher's package-level log.Infof/log.Debugf/log.Error call sites.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is a logger verbosity threshold.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERRO"
	case FatalLevel:
		return "FATL"
	default:
		return "????"
	}
}

var (
	mu     sync.Mutex
	level  = InfoLevel
	out    io.Writer = os.Stderr
	nowFn            = time.Now
)

// SetLevel sets the process-wide minimum level that gets written.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetOutput redirects where log lines are written; tests substitute a
// buffer here instead of asserting against os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func write(l Level, msg string) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	fmt.Fprintf(out, "%s [%s] %s\n", nowFn().Format("2006-01-02 15:04:05.000"), l, msg)
}

func Debugf(format string, args ...interface{}) { write(DebugLevel, fmt.Sprintf(format, args...)) }
func Infof(format string, args ...interface{})  { write(InfoLevel, fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...interface{})  { write(WarnLevel, fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...interface{}) { write(ErrorLevel, fmt.Sprintf(format, args...)) }

// Error logs err at error level; a nil err is a no-op so call sites can
// write `if err := ...; err != nil { log.Error(err) }` without a
// redundant guard.
func Error(err error) {
	if err == nil {
		return
	}
	write(ErrorLevel, err.Error())
}

// Fatalf logs at fatal level and terminates the process, matching the
// teacher's use of Fatalf for unrecoverable startup errors only.
func Fatalf(format string, args ...interface{}) {
	write(FatalLevel, fmt.Sprintf(format, args...))
	os.Exit(1)
}
