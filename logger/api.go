// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine to all logs.
//
// Logging of trace and debug logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Level int

// Our logging levels. Trace and Debug have no direct logrus equivalent
// and are mapped onto logrus.InfoLevel and logrus.DebugLevel when emitted.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel
	// TraceLevel traces the success path; enabled per package via Logging.TraceLevelLogging.
	TraceLevel
	// DebugLevel is very verbose; enabled per package via Logging.DebugLevelLogging.
	DebugLevel
)

// Log fields supported by logger:
const (
	packageKey  string = "package"
	functionKey string = "function"
	errorKey    string = "error"
	gidKey      string = "goroutine"
)

var (
	settingsLock sync.RWMutex

	traceLevelEnabled = false
	debugLevelEnabled = false

	// packageTraceSettings controls whether tracing is enabled for particular packages.
	//
	// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
	// config variable, the package must be in this map.
	packageTraceSettings = map[string]bool{
		"arccache":     false,
		"backingstore": false,
		"batcher":      false,
		"space":        false,
		"taskqueue":    false,
		"txnlock":      false,
		"writedaemon":  false,
	}

	packageDebugSettings = map[string]bool{
		"arccache":    false,
		"batcher":     false,
		"space":       false,
		"txnlock":     false,
		"writedaemon": false,
	}
)

// FuncCtx carries the fields common to all logs made from one call site.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

func newFuncCtx(level int, fields log.Fields) (ctx *FuncCtx) {
	fn, pkg, gid := callerFuncPackage(level + 1)

	if nil == fields {
		fields = make(log.Fields)
	}
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}

	return
}

const backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	settingsLock.RLock()
	defer settingsLock.RUnlock()

	switch level {
	case TraceLevel:
		return traceLevelEnabled
	case DebugLevel:
		return debugLevelEnabled
	default:
		return true
	}
}

func Infof(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, nil).log(InfoLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, nil).log(WarnLevel, fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, nil).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, nil).log(FatalLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel, nil).log(TraceLevel, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) {
	if !logEnabled(DebugLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel, nil).log(DebugLevel, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(InfoLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(WarnLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func FatalfWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(FatalLevel, fmt.Sprintf(format, args...))
}

// PanicfWithError logs and then panics. Used for invariant violations that
// must never be recovered from silently.
func PanicfWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(PanicLevel, fmt.Sprintf(format, args...))
}

func TracefWithError(err error, format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(TraceLevel, fmt.Sprintf(format, args...))
}

// log is the common low-level logging function used internal to this package.
//
// Following the example of logrus.entry.go's equivalent function, this is not
// declared with a pointer receiver.
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	case TraceLevel:
		if ctx.packageEnabled(packageTraceSettings) {
			ctx.funcContext.Info(args...)
		}
	case DebugLevel:
		if ctx.packageEnabled(packageDebugSettings) {
			ctx.funcContext.Debug(args...)
		}
	}
}

func (ctx *FuncCtx) packageEnabled(settings map[string]bool) bool {
	settingsLock.RLock()
	defer settingsLock.RUnlock()

	return settings[ctx.getPackage()]
}

// AddLogTarget adds another target for log messages to be written to. writer
// is called once for each log message.
func AddLogTarget(writer io.Writer) {
	logOutput.addWriter(writer)
}

// RemoveLogTarget undoes AddLogTarget.
func RemoveLogTarget(writer io.Writer) {
	logOutput.removeWriter(writer)
}

// LogTarget captures the most recent log lines; useful for writing test cases.
type LogTarget struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

// NewLogTarget returns a LogTarget holding up to nEntry log entries.
func NewLogTarget(nEntry int) (target *LogTarget) {
	target = &LogTarget{LogEntries: make([]string, nEntry)}
	return
}

func (target *LogTarget) Write(p []byte) (n int, err error) {
	target.Lock()
	defer target.Unlock()

	target.TotalEntries++
	if 0 < len(target.LogEntries) {
		copy(target.LogEntries[1:], target.LogEntries[:len(target.LogEntries)-1])
		target.LogEntries[0] = strings.TrimRight(string(p), "\n")
	}

	n = len(p)
	return
}

// Contains reports whether any captured entry contains substr.
func (target *LogTarget) Contains(substr string) bool {
	target.Lock()
	defer target.Unlock()

	for _, entry := range target.LogEntries {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}
