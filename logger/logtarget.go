// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"regexp"
)

// LogBuffer is an example of a log target that captures the most recent n
// lines of log into an array.  Useful for writing test cases.
//
// There should really be a lock or clever RCU mechanism to coordinate
// access/updates to the array, but its not really necessary for test case code
// (and adds overhead).
//
type LogBuffer struct {
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Init sets up a LogTarget to hold up to nEntry log entries.
//
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
//
func (target LogTarget) Write(p []byte) (n int, err error) {
	return target.write(p)
}

// write appends the log entry to the (finite) array of captured entries,
// dropping the oldest when full.
func (target LogTarget) write(p []byte) (n int, err error) {

	copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[0:len(target.LogBuf.LogEntries)-1])
	target.LogBuf.LogEntries[0] = string(p)
	target.LogBuf.TotalEntries++

	return len(p), nil
}

// The logrus TextFormatter (with colors disabled) emits entries that look like:
//
//   time="2017-07-27T01:30:46Z" level=warning msg="Unlock(): ..." function=unlockTrack goroutine=19 package=trackedlock
//
// where the msg value has embedded newlines and quotes escaped. These parse
// the head of the entry and the trailing key=value fields, respectively.
var (
	logEntryHeadRE  = regexp.MustCompile(`^time="([^"]*)" level=([a-z]+) msg="((?:\\.|[^"\\])*)"`)
	logEntryFieldRE = regexp.MustCompile(` ([A-Za-z_]+)=(?:"((?:\\.|[^"\\])*)"|(\S+))`)
)

// ParseLogEntry parses one log entry captured by a LogTarget into a map of
// field name to value. The keys are "time", "level", and "msg", plus a key for
// each logrus field the entry carries (typically "function", "goroutine", and
// "package"; "error" for the *WithError() APIs). The msg value is left in its
// escaped form, newlines appearing as the two characters `\n`.
//
func ParseLogEntry(entry string) (fields map[string]string, err error) {
	var (
		fieldMatch  []string
		fieldsMatch [][]string
		headMatch   []string
	)

	headMatch = logEntryHeadRE.FindStringSubmatch(entry)
	if nil == headMatch {
		err = fmt.Errorf("log entry not in logrus text format: '%s'", entry)
		return
	}

	fields = make(map[string]string)
	fields["time"] = headMatch[1]
	fields["level"] = headMatch[2]
	fields["msg"] = headMatch[3]

	fieldsMatch = logEntryFieldRE.FindAllStringSubmatch(entry[len(headMatch[0]):], -1)
	for _, fieldMatch = range fieldsMatch {
		if "" != fieldMatch[3] {
			fields[fieldMatch[1]] = fieldMatch[3]
		} else {
			fields[fieldMatch[1]] = fieldMatch[2]
		}
	}

	err = nil
	return
}

// ParseLogForFunc scans the log entries captured by logcopy, most recent
// first, looking for an entry logged by funcName whose msg matches msgRE. At
// most maxEntries entries are examined. On a match the parsed log entry
// fields are returned, augmented with one field per named capture group in
// msgRE, along with the index of the matching entry (0 is the most recent).
//
func ParseLogForFunc(logcopy LogTarget, funcName string, msgRE *regexp.Regexp, maxEntries int) (fields map[string]string, entryIdx int, err error) {
	var (
		entry        string
		msgMatch     []string
		subexpIdx    int
		subexpName   string
		parseErr     error
		parsedFields map[string]string
	)

	for entryIdx, entry = range logcopy.LogBuf.LogEntries {
		if entryIdx >= maxEntries {
			break
		}
		if "" == entry {
			break
		}

		parsedFields, parseErr = ParseLogEntry(entry)
		if nil != parseErr {
			continue
		}
		if parsedFields["function"] != funcName {
			continue
		}

		msgMatch = msgRE.FindStringSubmatch(parsedFields["msg"])
		if nil == msgMatch {
			continue
		}

		for subexpIdx, subexpName = range msgRE.SubexpNames() {
			if 0 != subexpIdx && "" != subexpName {
				parsedFields[subexpName] = msgMatch[subexpIdx]
			}
		}

		fields = parsedFields
		err = nil
		return
	}

	err = fmt.Errorf("no log entry from function '%s' matching '%s' in the last %d entries",
		funcName, msgRE.String(), maxEntries)
	return
}
