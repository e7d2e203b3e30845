// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type lockSpaceStruct struct {
	name        string
	backendName string
	nodeID      string
}

type globalsStruct struct {
	sync.Mutex                  //                                    Used only for protecting insertions into registration{List|Set} during init() phase
	registrationList            *list.List
	registrationSet             map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	currentLockSpaceList        map[string]*lockSpaceStruct        // Key: lockSpaceStruct.name
	createdLockSpaceList        map[string]*lockSpaceStruct        // Key: lockSpaceStruct.name
	changedLockSpaceList        map[string]*lockSpaceStruct        // Key: lockSpaceStruct.name
	destroyedLockSpaceList      map[string]*lockSpaceStruct        // Key: lockSpaceStruct.name
	toStopServingLockSpaceList  map[string]*lockSpaceStruct        // Key: lockSpaceStruct.name
	toStartServingLockSpaceList map[string]*lockSpaceStruct        // Key: lockSpaceStruct.name
}

var globals globalsStruct

func init() {
	globals.Lock()
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)
	globals.Unlock()

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	var (
		alreadyRegisted  bool
		registrationItem *registrationItemStruct
	)

	globals.Lock()
	_, alreadyRegisted = globals.registrationSet[packageName]
	if alreadyRegisted {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}
	registrationItem = &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
	globals.Unlock()
}

func up(confMap conf.ConfMap) (err error) {
	var (
		lockSpace                              *lockSpaceStruct
		lockSpaceName                          string
		registrationItem                       *registrationItemStruct
		registrationListElement                *list.Element
		registrationListPackageNameStringSlice []string
	)

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	globals.currentLockSpaceList = make(map[string]*lockSpaceStruct)

	err = computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	if 0 != len(globals.changedLockSpaceList) {
		err = fmt.Errorf("transitions.Up() did not expect changedLockSpaceList to be non-empty")
		return
	}
	if 0 != len(globals.destroyedLockSpaceList) {
		err = fmt.Errorf("transitions.Up() did not expect destroyedLockSpaceList to be non-empty")
		return
	}

	// Issue Callbacks.Up() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Up() calling %s.Up()", registrationItem.packageName)
		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			logger.Errorf("transitions.Up() call to %s.Up() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.Up() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	// Log transitions registrationList from Front() to Back()

	registrationListPackageNameStringSlice = make([]string, 0, globals.registrationList.Len())

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		registrationListPackageNameStringSlice = append(registrationListPackageNameStringSlice, registrationItem.packageName)
		registrationListElement = registrationListElement.Next()
	}

	logger.Infof("Transitions Package Registration List: %v", registrationListPackageNameStringSlice)

	// Issue Callbacks.LockSpaceCreated() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName, lockSpace = range globals.createdLockSpaceList {
			logger.Tracef("transitions.Up() calling %s.LockSpaceCreated(,%s,%s,%s)", registrationItem.packageName, lockSpaceName, lockSpace.backendName, lockSpace.nodeID)
			err = registrationItem.callbacks.LockSpaceCreated(confMap, lockSpaceName, lockSpace.backendName, lockSpace.nodeID)
			if nil != err {
				logger.Errorf("transitions.Up() call to %s.LockSpaceCreated(,%s,%s,%s) failed: %v", registrationItem.packageName, lockSpaceName, lockSpace.backendName, lockSpace.nodeID, err)
				err = fmt.Errorf("%s.LockSpaceCreated(,%s,,) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Next()
	}

	// Issue Callbacks.ServeLockSpace() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName = range globals.currentLockSpaceList {
			logger.Tracef("transitions.Up() calling %s.ServeLockSpace(,%s)", registrationItem.packageName, lockSpaceName)
			err = registrationItem.callbacks.ServeLockSpace(confMap, lockSpaceName)
			if nil != err {
				logger.Errorf("transitions.Up() call to %s.ServeLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				err = fmt.Errorf("%s.ServeLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Next()
	}

	// Issue Callbacks.SignaledFinish() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Up() calling %s.SignaledFinish()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledFinish(confMap)
		if nil != err {
			logger.Errorf("transitions.Up() call to %s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	var (
		lockSpace               *lockSpaceStruct
		lockSpaceName           string
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	logger.Infof("transitions.Signaled() called")
	defer func() {
		if nil == err {
			logger.Infof("transitions.Signaled() returning successfully")
		} else {
			logger.Errorf("transitions.Signaled() returning with failure: %v", err)
		}
	}()

	err = computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	// Issue Callbacks.SignaledStart() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Signaled() calling %s.SignaledStart()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledStart(confMap)
		if nil != err {
			logger.Errorf("transitions.Signaled() call to %s.SignaledStart() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledStart() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.UnserveLockSpace() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName = range globals.toStopServingLockSpaceList {
			logger.Tracef("transitions.Signaled() calling %s.UnserveLockSpace(,%s)", registrationItem.packageName, lockSpaceName)
			err = registrationItem.callbacks.UnserveLockSpace(confMap, lockSpaceName)
			if nil != err {
				logger.Errorf("transitions.Signaled() call to %s.UnserveLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				err = fmt.Errorf("%s.UnserveLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.LockSpaceCreated() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName, lockSpace = range globals.createdLockSpaceList {
			logger.Tracef("transitions.Signaled() calling %s.LockSpaceCreated(,%s,%s,%s)", registrationItem.packageName, lockSpaceName, lockSpace.backendName, lockSpace.nodeID)
			err = registrationItem.callbacks.LockSpaceCreated(confMap, lockSpaceName, lockSpace.backendName, lockSpace.nodeID)
			if nil != err {
				logger.Errorf("transitions.Signaled() call to %s.LockSpaceCreated(,%s,%s,%s) failed: %v", registrationItem.packageName, lockSpaceName, lockSpace.backendName, lockSpace.nodeID, err)
				err = fmt.Errorf("%s.LockSpaceCreated(,%s,,) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Next()
	}

	// Issue Callbacks.LockSpaceDestroyed() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName = range globals.destroyedLockSpaceList {
			logger.Tracef("transitions.Signaled() calling %s.LockSpaceDestroyed(,%s)", registrationItem.packageName, lockSpaceName)
			err = registrationItem.callbacks.LockSpaceDestroyed(confMap, lockSpaceName)
			if nil != err {
				logger.Errorf("transitions.Signaled() call to %s.LockSpaceDestroyed(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				err = fmt.Errorf("%s.LockSpaceDestroyed(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.ServeLockSpace() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName = range globals.toStartServingLockSpaceList {
			logger.Tracef("transitions.Signaled() calling %s.ServeLockSpace(,%s)", registrationItem.packageName, lockSpaceName)
			err = registrationItem.callbacks.ServeLockSpace(confMap, lockSpaceName)
			if nil != err {
				logger.Errorf("transitions.Signaled() call to %s.ServeLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				err = fmt.Errorf("%s.ServeLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Next()
	}

	// Issue Callbacks.SignaledFinish() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Signaled() calling %s.SignaledFinish()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledFinish(confMap)
		if nil != err {
			logger.Errorf("transitions.Signaled() call to %s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	return
}

func down(confMap conf.ConfMap) (err error) {
	var (
		lockSpaceName           string
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	logger.Infof("transitions.Down() called")
	defer func() {
		if nil != err {
			// On the relatively good likelihood that the failure occurred before calling logger.Down()...
			logger.Errorf("transitions.Down() returning with failure: %v", err)
		}
	}()

	err = computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	if 0 != len(globals.createdLockSpaceList) {
		err = fmt.Errorf("transitions.Down() did not expect createdLockSpaceList to be non-empty")
		return
	}
	if 0 != len(globals.changedLockSpaceList) {
		err = fmt.Errorf("transitions.Down() did not expect changedLockSpaceList to be non-empty")
		return
	}
	if 0 != len(globals.destroyedLockSpaceList) {
		err = fmt.Errorf("transitions.Down() did not expect destroyedLockSpaceList to be non-empty")
		return
	}

	// Issue Callbacks.SignaledStart() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Down() calling %s.SignaledStart()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledStart(confMap)
		if nil != err {
			logger.Errorf("transitions.Down() call to %s.SignaledStart() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledStart() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.UnserveLockSpace() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName = range globals.currentLockSpaceList {
			logger.Tracef("transitions.Down() calling %s.UnserveLockSpace(,%s)", registrationItem.packageName, lockSpaceName)
			err = registrationItem.callbacks.UnserveLockSpace(confMap, lockSpaceName)
			if nil != err {
				logger.Errorf("transitions.Down() call to %s.UnserveLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				err = fmt.Errorf("%s.UnserveLockSpace(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.LockSpaceDestroyed() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for lockSpaceName = range globals.currentLockSpaceList {
			logger.Tracef("transitions.Down() calling %s.LockSpaceDestroyed(,%s)", registrationItem.packageName, lockSpaceName)
			err = registrationItem.callbacks.LockSpaceDestroyed(confMap, lockSpaceName)
			if nil != err {
				logger.Errorf("transitions.Down() call to %s.LockSpaceDestroyed(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				err = fmt.Errorf("%s.LockSpaceDestroyed(,%s) failed: %v", registrationItem.packageName, lockSpaceName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.Down() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Down() calling %s.Down()", registrationItem.packageName)
		err = registrationItem.callbacks.Down(confMap)
		if nil != err {
			logger.Errorf("transitions.Down() call to %s.Down() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.Down() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	return
}

func computeConfMapDelta(confMap conf.ConfMap) (err error) {
	var (
		glockLockSpaceList      []string
		lockSpace               *lockSpaceStruct
		lockSpaceName           string
		lockSpacePreviously     *lockSpaceStruct
		newCurrentLockSpaceList map[string]*lockSpaceStruct
		ok                      bool
	)

	// Initialize lists used in computation (those in globalsStruct are actually the func output)

	newCurrentLockSpaceList = make(map[string]*lockSpaceStruct)

	globals.createdLockSpaceList = make(map[string]*lockSpaceStruct)
	globals.changedLockSpaceList = make(map[string]*lockSpaceStruct)
	globals.destroyedLockSpaceList = make(map[string]*lockSpaceStruct)

	globals.toStopServingLockSpaceList = make(map[string]*lockSpaceStruct)
	globals.toStartServingLockSpaceList = make(map[string]*lockSpaceStruct)

	// Injest confMap

	glockLockSpaceList, err = confMap.FetchOptionValueStringSlice("Glock", "LockSpaceList")
	if nil != err {
		return
	}

	for _, lockSpaceName = range glockLockSpaceList {
		lockSpace = &lockSpaceStruct{name: lockSpaceName}

		newCurrentLockSpaceList[lockSpaceName] = lockSpace

		lockSpace.backendName, err = confMap.FetchOptionValueString("LockSpace:"+lockSpaceName, "Backend")
		if nil != err {
			return
		}

		lockSpace.nodeID, err = confMap.FetchOptionValueString("LockSpace:"+lockSpaceName, "NodeID")
		if nil != err {
			if nil == confMap.VerifyOptionValueIsEmpty("LockSpace:"+lockSpaceName, "NodeID") {
				lockSpace.nodeID = ""
			} else {
				return
			}
		}
	}

	// Compute changes to LockSpaceList

	for lockSpaceName, lockSpace = range newCurrentLockSpaceList {
		lockSpacePreviously, ok = globals.currentLockSpaceList[lockSpaceName]
		if ok {
			if (lockSpacePreviously.backendName != lockSpace.backendName) || (lockSpacePreviously.nodeID != lockSpace.nodeID) {
				globals.changedLockSpaceList[lockSpaceName] = lockSpace
			}
		} else {
			globals.createdLockSpaceList[lockSpaceName] = lockSpace
		}
	}

	for lockSpaceName, lockSpace = range globals.currentLockSpaceList {
		_, ok = newCurrentLockSpaceList[lockSpaceName]
		if !ok {
			globals.destroyedLockSpaceList[lockSpaceName] = lockSpace
		}
	}

	// Compute to{Stop|Start}ServingLockSpaceList
	//
	// A changed lock space is unserved under its old definition and re-served under its new one

	for lockSpaceName, lockSpace = range globals.destroyedLockSpaceList {
		globals.toStopServingLockSpaceList[lockSpaceName] = lockSpace
	}
	for lockSpaceName = range globals.changedLockSpaceList {
		lockSpacePreviously = globals.currentLockSpaceList[lockSpaceName]
		globals.toStopServingLockSpaceList[lockSpaceName] = lockSpacePreviously
	}

	for lockSpaceName, lockSpace = range globals.changedLockSpaceList {
		globals.toStartServingLockSpaceList[lockSpaceName] = lockSpace
	}
	for lockSpaceName, lockSpace = range globals.createdLockSpaceList {
		globals.toStartServingLockSpaceList[lockSpaceName] = lockSpace
	}

	// Finally, update currentLockSpaceList field in globalsStruct

	globals.currentLockSpaceList = newCurrentLockSpaceList

	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) LockSpaceCreated(confMap conf.ConfMap, lockSpaceName string, backendName string, nodeID string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) LockSpaceDestroyed(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) ServeLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) UnserveLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return logger.SignaledStart(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
