// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package httpserver exposes the lock manager's introspection surface over
// HTTP: the active config, bucketized statistics, lock space dumps, and the
// halter trigger controls. All endpoints speak JSON except /metrics, which
// is plain text.
package httpserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/transitions"
)

type globalsStruct struct {
	sync.Mutex
	active        bool
	ipAddr        string
	tcpPort       uint16
	ipAddrTCPPort string
	netListener   net.Listener
	wg            sync.WaitGroup
	confMap       conf.ConfMap
}

var globals globalsStruct

func init() {
	transitions.Register("httpserver", &globals)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.confMap = confMap

	globals.ipAddr, err = confMap.FetchOptionValueString("HTTPServer", "IPAddr")
	if nil != err {
		globals.ipAddr = "0.0.0.0"
	}
	globals.tcpPort, err = confMap.FetchOptionValueUint16("HTTPServer", "TCPPort")
	if nil != err {
		err = fmt.Errorf("confMap.FetchOptionValueUint16(\"HTTPServer\", \"TCPPort\") failed: %v", err)
		return
	}

	globals.ipAddrTCPPort = net.JoinHostPort(globals.ipAddr, strconv.Itoa(int(globals.tcpPort)))

	globals.netListener, err = net.Listen("tcp", globals.ipAddrTCPPort)
	if nil != err {
		err = fmt.Errorf("net.Listen(\"tcp\", \"%s\") failed: %v", globals.ipAddrTCPPort, err)
		return
	}

	globals.active = true
	globals.wg.Add(1)
	go serveHTTP()

	logger.Infof("httpserver: serving on %s", globals.netListener.Addr().String())

	err = nil
	return
}

func (dummy *globalsStruct) LockSpaceCreated(confMap conf.ConfMap, lockSpaceName string, backendName string, nodeID string) (err error) {
	return nil
}
func (dummy *globalsStruct) LockSpaceDestroyed(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}
func (dummy *globalsStruct) ServeLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}
func (dummy *globalsStruct) UnserveLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.active = false
	globals.Unlock()
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.confMap = confMap
	globals.active = true
	globals.Unlock()
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.active = false
	_ = globals.netListener.Close()
	globals.Unlock()

	globals.wg.Wait()

	return nil
}
