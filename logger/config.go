// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/glockmgr/conf"
)

// multiWriter fans each log entry out to the log file and any targets added
// via AddLogTarget(). logrus serializes calls to Write(), but targets can be
// added while logging is underway, hence the lock.
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			// Regardless of errors, each writer gets one Write() call
			continue
		}
	}
	mw.Unlock()

	n = len(p)
	err = nil
	return
}

type globalsStruct struct {
	logFilePath  string
	logFile      *os.File
	logTargets   *multiWriter
	logToConsole bool
}

var globals globalsStruct

func addLogTarget(writer io.Writer) {
	globals.logTargets.addWriter(writer)
}

// openLogFile (re)establishes the output destination(s) from the current
// globals settings.
func openLogFile() (err error) {
	if "" != globals.logFilePath {
		globals.logFile, err = os.OpenFile(globals.logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			err = fmt.Errorf("logger.openLogFile(): couldn't open log file '%s': %v", globals.logFilePath, err)
			return
		}
		globals.logTargets.addWriter(globals.logFile)
	}

	if globals.logToConsole || ("" == globals.logFilePath) {
		globals.logTargets.addWriter(os.Stderr)
	}

	err = nil
	return
}

func up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	// Fetch log file info, if provided
	globals.logFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")

	// Determine whether we should log to console. Default is false.
	globals.logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		globals.logToConsole = false
	}

	globals.logTargets = &multiWriter{}

	err = openLogFile()
	if nil != err {
		return
	}

	log.SetOutput(globals.logTargets)

	// NOTE: We always enable max logging in logrus and decide in this
	//       package whether to emit each trace or debug log.
	log.SetLevel(log.DebugLevel)

	// Fetch trace and debug log settings, if provided
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

func down() (err error) {
	// We open and close our own logfile
	if nil != globals.logFile {
		err = globals.logFile.Close()
		globals.logFile = nil
	}
	return
}

// Up initializes logging. It is invoked by package transitions ahead of every
// other registered package's Up() so that they may log during startup.
func Up(confMap conf.ConfMap) (err error) {
	err = up(confMap)
	return
}

// SignaledStart is called at the head of a configuration reload. Logging
// continues against the current destinations until SignaledFinish().
func SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

// SignaledFinish completes a configuration reload, re-opening the log file
// and recomputing the trace/debug enables from the new confMap.
func SignaledFinish(confMap conf.ConfMap) (err error) {
	err = down()
	if nil != err {
		return
	}
	err = up(confMap)
	return
}

// Down closes out logging at shutdown. It is invoked by package transitions
// after every other registered package's Down().
func Down(confMap conf.ConfMap) (err error) {
	err = down()
	return
}
