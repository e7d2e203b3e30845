// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"sort"
	"testing"

	"github.com/NVIDIA/glockmgr/conf"
)

type testCallbacksInterfaceStruct struct {
	name string
	t    *testing.T
}

var testConfStrings = []string{
	"Logging.LogFilePath=/dev/null",
	"Logging.LogToConsole=false",
	"LockSpace:LockSpaceA.Backend=ramdlm", // Will change Backend to etcdlm
	"LockSpace:LockSpaceA.NodeID=node-1",
	"LockSpace:LockSpaceB.Backend=nolock", // Will change NodeID to node-2
	"LockSpace:LockSpaceB.NodeID=",
	//                                        LockSpaceC will be created...then destroyed
	"Glock.LockSpaceList=LockSpaceA,LockSpaceB",
}

var testConfStringsToAddLockSpaceC = []string{
	"LockSpace:LockSpaceC.Backend=ramdlm",
	"LockSpace:LockSpaceC.NodeID=node-1",
	"Glock.LockSpaceList=LockSpaceA,LockSpaceB,LockSpaceC",
}

var testCallbackLog []string // Accumulates log messages output by transitions.Callbacks implementations

// testValidateCallbackLog compares the global testCallbackLog to the
// provided expectedCallbackLog. Note that testCallbackLog is a time
// ordered []string of log messages. It is expected that some have
// order dependency (e.g. one cannot destroy a lock space unless it has
// been unserved if it was previously served by this node). As such,
// the structure of expectedCallbackLog is a time ordered list of
// []string. Within each []string, order is not required...though each
// element must match precisely once. In the slice of []string's, order
// is strictly required.
//
func testValidateCallbackLog(t *testing.T, testcase string, expectedCallbackLog [][]string) {
	var (
		expectedCallbackLogSliceElement []string
		numLogMessages                  int
		testCallbackLogIndex            int
		testCallbackLogSubset           []string
		testCallbackLogSubsetElement    string
		testCallbackLogSubsetIndex      int
	)
	// First ensure we have the expected number of log messages

	numLogMessages = 0

	for _, expectedCallbackLogSliceElement = range expectedCallbackLog {
		numLogMessages += len(expectedCallbackLogSliceElement)
	}

	if len(testCallbackLog) != numLogMessages {
		t.Fatalf("In testcase \"%s\", unexpected testCallbackLog", testcase)
	}

	testCallbackLogIndex = 0

	for _, expectedCallbackLogSliceElement = range expectedCallbackLog {
		testCallbackLogSubset = testCallbackLog[testCallbackLogIndex : testCallbackLogIndex+len(expectedCallbackLogSliceElement)]

		sort.Strings(testCallbackLogSubset)
		sort.Strings(expectedCallbackLogSliceElement)

		for testCallbackLogSubsetIndex, testCallbackLogSubsetElement = range testCallbackLogSubset {
			if testCallbackLogSubsetElement != expectedCallbackLogSliceElement[testCallbackLogSubsetIndex] {
				t.Fatalf("In testcase \"%s\", unexpected testCallbackLog", testcase)
			}
		}

		testCallbackLogIndex += len(testCallbackLogSubset)
	}
}

func TestAPI(t *testing.T) {
	var (
		err                     error
		testCallbacksInterface1 *testCallbacksInterfaceStruct
		testCallbacksInterface2 *testCallbacksInterfaceStruct
		testConfMap             conf.ConfMap
	)

	testCallbacksInterface1 = &testCallbacksInterfaceStruct{name: "1", t: t}
	testCallbacksInterface2 = &testCallbacksInterfaceStruct{name: "2", t: t}

	Register(testCallbacksInterface1.name, testCallbacksInterface1)
	Register(testCallbacksInterface2.name, testCallbacksInterface2)

	testConfMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	t.Log("Perform Up() sequence")

	testCallbackLog = make([]string, 0, 14)

	err = Up(testConfMap)
	if nil != err {
		t.Fatalf("Up() failed: %v", err)
	}

	testValidateCallbackLog(t,
		"Perform Up() sequence",
		[][]string{
			[]string{
				"testCallbacksInterface1.Up() called"},
			[]string{
				"testCallbacksInterface2.Up() called"},
			[]string{
				"testCallbacksInterface1.LockSpaceCreated(,LockSpaceA,ramdlm,node-1) called",
				"testCallbacksInterface1.LockSpaceCreated(,LockSpaceB,nolock,) called"},
			[]string{
				"testCallbacksInterface2.LockSpaceCreated(,LockSpaceA,ramdlm,node-1) called",
				"testCallbacksInterface2.LockSpaceCreated(,LockSpaceB,nolock,) called"},
			[]string{
				"testCallbacksInterface1.ServeLockSpace(,LockSpaceA) called",
				"testCallbacksInterface1.ServeLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface2.ServeLockSpace(,LockSpaceA) called",
				"testCallbacksInterface2.ServeLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface1.SignaledFinish() called"},
			[]string{
				"testCallbacksInterface2.SignaledFinish() called"},
		})

	t.Log("Perform Signaled() sequence with no changes")

	testCallbackLog = make([]string, 0, 4)

	err = Signaled(testConfMap)
	if nil != err {
		t.Fatalf("Signaled() failed: %v", err)
	}

	testValidateCallbackLog(t,
		"Perform Signaled() sequence with no changes",
		[][]string{
			[]string{
				"testCallbacksInterface2.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.SignaledFinish() called"},
			[]string{
				"testCallbacksInterface2.SignaledFinish() called"}})

	t.Log("Create LockSpaceC")

	err = testConfMap.UpdateFromStrings(testConfStringsToAddLockSpaceC)
	if nil != err {
		t.Fatalf("testConfMap.UpdateFromStrings(testConfStringsToAddLockSpaceC) failed: %v", err)
	}

	testCallbackLog = make([]string, 0, 10)

	err = Signaled(testConfMap)
	if nil != err {
		t.Fatalf("Signaled() failed: %v", err)
	}

	testValidateCallbackLog(t,
		"Create LockSpaceC",
		[][]string{
			[]string{
				"testCallbacksInterface2.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.LockSpaceCreated(,LockSpaceC,ramdlm,node-1) called"},
			[]string{
				"testCallbacksInterface2.LockSpaceCreated(,LockSpaceC,ramdlm,node-1) called"},
			[]string{
				"testCallbacksInterface1.ServeLockSpace(,LockSpaceC) called"},
			[]string{
				"testCallbacksInterface2.ServeLockSpace(,LockSpaceC) called"},
			[]string{
				"testCallbacksInterface1.SignaledFinish() called"},
			[]string{
				"testCallbacksInterface2.SignaledFinish() called"}})

	t.Log("Change LockSpaceA Backend from ramdlm to etcdlm")

	testConfMap["LockSpace:LockSpaceA"]["Backend"] = []string{"etcdlm"}

	testCallbackLog = make([]string, 0, 10)

	err = Signaled(testConfMap)
	if nil != err {
		t.Fatalf("Signaled() failed: %v", err)
	}

	testValidateCallbackLog(t,
		"Change LockSpaceA Backend from ramdlm to etcdlm",
		[][]string{
			[]string{
				"testCallbacksInterface2.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.SignaledStart() called"},
			[]string{
				"testCallbacksInterface2.UnserveLockSpace(,LockSpaceA) called"},
			[]string{
				"testCallbacksInterface1.UnserveLockSpace(,LockSpaceA) called"},
			[]string{
				"testCallbacksInterface1.ServeLockSpace(,LockSpaceA) called"},
			[]string{
				"testCallbacksInterface2.ServeLockSpace(,LockSpaceA) called"},
			[]string{
				"testCallbacksInterface1.SignaledFinish() called"},
			[]string{
				"testCallbacksInterface2.SignaledFinish() called"}})

	t.Log("Change LockSpaceB NodeID from empty to node-2")

	testConfMap["LockSpace:LockSpaceB"]["NodeID"] = []string{"node-2"}

	testCallbackLog = make([]string, 0, 10)

	err = Signaled(testConfMap)
	if nil != err {
		t.Fatalf("Signaled() failed: %v", err)
	}

	testValidateCallbackLog(t,
		"Change LockSpaceB NodeID from empty to node-2",
		[][]string{
			[]string{
				"testCallbacksInterface2.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.SignaledStart() called"},
			[]string{
				"testCallbacksInterface2.UnserveLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface1.UnserveLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface1.ServeLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface2.ServeLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface1.SignaledFinish() called"},
			[]string{
				"testCallbacksInterface2.SignaledFinish() called"}})

	t.Log("Destroy LockSpaceC")

	testConfMap["Glock"]["LockSpaceList"] = []string{"LockSpaceA", "LockSpaceB"}

	delete(testConfMap, "LockSpace:LockSpaceC")

	testCallbackLog = make([]string, 0, 10)

	err = Signaled(testConfMap)
	if nil != err {
		t.Fatalf("Signaled() failed: %v", err)
	}

	testValidateCallbackLog(t,
		"Destroy LockSpaceC",
		[][]string{
			[]string{
				"testCallbacksInterface2.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.SignaledStart() called"},
			[]string{
				"testCallbacksInterface2.UnserveLockSpace(,LockSpaceC) called"},
			[]string{
				"testCallbacksInterface1.UnserveLockSpace(,LockSpaceC) called"},
			[]string{
				"testCallbacksInterface2.LockSpaceDestroyed(,LockSpaceC) called"},
			[]string{
				"testCallbacksInterface1.LockSpaceDestroyed(,LockSpaceC) called"},
			[]string{
				"testCallbacksInterface1.SignaledFinish() called"},
			[]string{
				"testCallbacksInterface2.SignaledFinish() called"}})

	t.Log("Perform Down() sequence")

	testCallbackLog = make([]string, 0, 12)

	err = Down(testConfMap)
	if nil != err {
		t.Fatalf("Down() failed: %v", err)
	}

	testValidateCallbackLog(t,
		"Perform Down() sequence",
		[][]string{
			[]string{
				"testCallbacksInterface2.SignaledStart() called"},
			[]string{
				"testCallbacksInterface1.SignaledStart() called"},
			[]string{
				"testCallbacksInterface2.UnserveLockSpace(,LockSpaceA) called",
				"testCallbacksInterface2.UnserveLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface1.UnserveLockSpace(,LockSpaceA) called",
				"testCallbacksInterface1.UnserveLockSpace(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface2.LockSpaceDestroyed(,LockSpaceA) called",
				"testCallbacksInterface2.LockSpaceDestroyed(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface1.LockSpaceDestroyed(,LockSpaceA) called",
				"testCallbacksInterface1.LockSpaceDestroyed(,LockSpaceB) called"},
			[]string{
				"testCallbacksInterface2.Down() called"},
			[]string{
				"testCallbacksInterface1.Down() called"}})
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.Up() called", testCallbacksInterface.name)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) LockSpaceCreated(confMap conf.ConfMap, lockSpaceName string, backendName string, nodeID string) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.LockSpaceCreated(,%s,%s,%s) called", testCallbacksInterface.name, lockSpaceName, backendName, nodeID)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) LockSpaceDestroyed(confMap conf.ConfMap, lockSpaceName string) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.LockSpaceDestroyed(,%s) called", testCallbacksInterface.name, lockSpaceName)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) ServeLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.ServeLockSpace(,%s) called", testCallbacksInterface.name, lockSpaceName)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) UnserveLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.UnserveLockSpace(,%s) called", testCallbacksInterface.name, lockSpaceName)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.SignaledStart() called", testCallbacksInterface.name)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.SignaledFinish() called", testCallbacksInterface.name)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	logMessage := fmt.Sprintf("testCallbacksInterface%s.Down() called", testCallbacksInterface.name)
	testCallbacksInterface.t.Logf("  %s", logMessage)
	testCallbackLog = append(testCallbackLog, logMessage)
	return nil
}
