// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/bucketstats"
	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/halter"
	"github.com/NVIDIA/glockmgr/utils"
	"github.com/NVIDIA/glockmgr/version"
)

type httpRequestHandler struct{}

func serveHTTP() {
	_ = http.Serve(globals.netListener, httpRequestHandler{})
	globals.wg.Done()
}

func (h httpRequestHandler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	globals.Lock()
	active := globals.active
	globals.Unlock()

	if !active {
		responseWriter.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	switch request.Method {
	case http.MethodGet:
		doGet(responseWriter, request)
	case http.MethodPost:
		doPost(responseWriter, request)
	case http.MethodDelete:
		doDelete(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// pathParts splits the URL path into its non-empty components.
func pathParts(request *http.Request) (parts []string) {
	parts = make([]string, 0)
	for _, part := range strings.Split(request.URL.Path, "/") {
		if "" != part {
			parts = append(parts, part)
		}
	}
	return
}

func replyJSON(responseWriter http.ResponseWriter, payload interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(http.StatusOK)
	_, _ = responseWriter.Write([]byte(utils.JSONify(payload, true)))
	_, _ = responseWriter.Write([]byte("\n"))
}

func doGet(responseWriter http.ResponseWriter, request *http.Request) {
	parts := pathParts(request)

	switch {
	case 0 == len(parts):
		doGetOfIndex(responseWriter, request)
	case "config" == parts[0] && 1 == len(parts):
		doGetOfConfig(responseWriter, request)
	case "metrics" == parts[0] && 1 == len(parts):
		doGetOfMetrics(responseWriter, request)
	case "version" == parts[0] && 1 == len(parts):
		replyJSON(responseWriter, map[string]string{"Version": version.GlockMgrVersion})
	case "lockspace" == parts[0]:
		doGetOfLockSpace(responseWriter, request, parts)
	case "trigger" == parts[0]:
		doGetOfTrigger(responseWriter, request, parts)
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func doGetOfIndex(responseWriter http.ResponseWriter, request *http.Request) {
	replyJSON(responseWriter, map[string]interface{}{
		"Version":    version.GlockMgrVersion,
		"LockSpaces": glock.ListLockSpaces(),
		"Endpoints":  []string{"/config", "/metrics", "/version", "/lockspace", "/lockspace/<name>", "/trigger", "/trigger/<label>"},
	})
}

func doGetOfConfig(responseWriter http.ResponseWriter, request *http.Request) {
	globals.Lock()
	confMap := globals.confMap
	globals.Unlock()
	replyJSON(responseWriter, confMap)
}

func doGetOfMetrics(responseWriter http.ResponseWriter, request *http.Request) {
	responseWriter.Header().Set("Content-Type", "text/plain")
	responseWriter.WriteHeader(http.StatusOK)
	_, _ = responseWriter.Write([]byte(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*")))
}

// doGetOfLockSpace serves /lockspace (the mounted names) and
// /lockspace/<name> (the full glock dump for one lock space).
func doGetOfLockSpace(responseWriter http.ResponseWriter, request *http.Request, parts []string) {
	switch len(parts) {
	case 1:
		replyJSON(responseWriter, glock.ListLockSpaces())
	case 2:
		ls, err := glock.LookupLockSpace(parts[1])
		if nil != err {
			responseWriter.WriteHeader(http.StatusNotFound)
			return
		}
		replyJSON(responseWriter, ls.DumpLockSpace())
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

// doGetOfTrigger serves /trigger (every available trigger with its armed
// count, zero when disarmed) and /trigger/<label>.
func doGetOfTrigger(responseWriter http.ResponseWriter, request *http.Request, parts []string) {
	armedTriggers := halter.Dump()

	switch len(parts) {
	case 1:
		triggers := make(map[string]uint32)
		for _, label := range halter.List() {
			triggers[label] = armedTriggers[label]
		}
		replyJSON(responseWriter, triggers)
	case 2:
		if !triggerLabelKnown(parts[1]) {
			responseWriter.WriteHeader(http.StatusNotFound)
			return
		}
		replyJSON(responseWriter, map[string]uint32{parts[1]: armedTriggers[parts[1]]})
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func doPost(responseWriter http.ResponseWriter, request *http.Request) {
	parts := pathParts(request)

	switch {
	case 2 == len(parts) && "trigger" == parts[0]:
		doPostOfTrigger(responseWriter, request, parts[1])
	case 3 == len(parts) && "lockspace" == parts[0] && "purge" == parts[2]:
		doPostOfPurge(responseWriter, request, parts[1])
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

// doPostOfTrigger arms a halt trigger: POST /trigger/<label>?count=<n>.
func doPostOfTrigger(responseWriter http.ResponseWriter, request *http.Request, label string) {
	if !triggerLabelKnown(label) {
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}
	count, err := strconv.ParseUint(request.FormValue("count"), 10, 32)
	if nil != err || 0 == count {
		responseWriter.WriteHeader(http.StatusBadRequest)
		return
	}
	halter.Arm(label, uint32(count))
	responseWriter.WriteHeader(http.StatusNoContent)
}

// doPostOfPurge drains every idle glock of a lock space: POST
// /lockspace/<name>/purge. Busy glocks yield 409 after the purge timeout.
func doPostOfPurge(responseWriter http.ResponseWriter, request *http.Request, lockSpaceName string) {
	ls, err := glock.LookupLockSpace(lockSpaceName)
	if nil != err {
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}
	err = ls.PurgeGlocks(glock.GlockType(0), true)
	if nil != err {
		if blunder.Is(err, blunder.BusyError) {
			responseWriter.WriteHeader(http.StatusConflict)
		} else {
			responseWriter.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	responseWriter.WriteHeader(http.StatusNoContent)
}

func doDelete(responseWriter http.ResponseWriter, request *http.Request) {
	parts := pathParts(request)

	if 2 != len(parts) || "trigger" != parts[0] {
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}
	if !triggerLabelKnown(parts[1]) {
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}
	halter.Disarm(parts[1])
	responseWriter.WriteHeader(http.StatusNoContent)
}

// triggerLabelKnown guards Arm()/Disarm(), which HALT on unknown labels.
func triggerLabelKnown(label string) bool {
	for _, known := range halter.List() {
		if known == label {
			return true
		}
	}
	return false
}
