// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/spacestore/conf"
)

var (
	logFile   *os.File
	logOutput = &multiWriter{}
)

func init() {
	logOutput.setWriters(os.Stderr)
	log.SetOutput(logOutput)
	log.SetFormatter(&log.TextFormatter{DisableColors: true})
	log.SetLevel(log.DebugLevel)
}

// Up opens the configured log file (if any) and applies trace/debug settings.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
	}

	if nil != logFile {
		if logToConsole {
			logOutput.setWriters(logFile, os.Stderr)
		} else {
			logOutput.setWriters(logFile)
		}
	} else {
		logOutput.setWriters(os.Stderr)
	}

	// NOTE: We always enable max logging in logrus and decide in this
	//       package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setPackageLevels(traceConfSlice, packageTraceSettings, &traceLevelEnabled)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setPackageLevels(debugConfSlice, packageDebugSettings, &debugLevelEnabled)

	err = nil
	return
}

// Signaled re-applies trace/debug settings; the log file is left open.
func Signaled(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setPackageLevels(traceConfSlice, packageTraceSettings, &traceLevelEnabled)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setPackageLevels(debugConfSlice, packageDebugSettings, &debugLevelEnabled)

	return nil
}

// Down closes our own log file and reverts output to stderr.
func Down(confMap conf.ConfMap) (err error) {
	logOutput.setWriters(os.Stderr)

	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}

	setPackageLevels(nil, packageTraceSettings, &traceLevelEnabled)
	setPackageLevels(nil, packageDebugSettings, &debugLevelEnabled)

	return
}

func setPackageLevels(confStrSlice []string, settings map[string]bool, enabled *bool) {
	settingsLock.Lock()

	for pkg := range settings {
		settings[pkg] = false
	}
	*enabled = false

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			for pkg := range settings {
				settings[pkg] = false
			}
			*enabled = false
			break HandlePkgs
		default:
			if _, ok := settings[pkg]; ok {
				settings[pkg] = true
				*enabled = true
			}
		}
	}

	enabledPkgs := make([]string, 0, len(settings))
	for pkg, isEnabled := range settings {
		if isEnabled {
			enabledPkgs = append(enabledPkgs, pkg)
		}
	}

	settingsLock.Unlock()

	for _, pkg := range enabledPkgs {
		Infof("Package %v logging is enabled at trace/debug level", pkg)
	}
}
