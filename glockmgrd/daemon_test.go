// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glockmgrd

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	mRunReturn := m.Run()
	os.Exit(mRunReturn)
}

func TestDaemon(t *testing.T) {
	testDirPath, err := ioutil.TempDir("", "glockmgrd")
	if nil != err {
		t.Fatalf("ioutil.TempDir(\"\", \"glockmgrd\") returned error: %v", err)
	}
	defer func() {
		removeErr := os.RemoveAll(testDirPath)
		if nil != removeErr {
			t.Fatalf("os.RemoveAll() returned error == \"%v\"", removeErr)
		}
	}()

	confStrings := []string{
		"[Logging]",
		"LogFilePath=" + filepath.Join(testDirPath, "glockmgrd.log"),
		"LogToConsole=false",
		"",
		"[Glock]",
		"LockSpaceList=TestLockSpace",
		"ShardCount=16",
		"WorkerCount=2",
		"",
		"[LockSpace:TestLockSpace]",
		"Backend=nolock",
		"NodeID=node1",
		"",
		"[StatsLogger]",
		"Period=0s",
		"",
		"[HTTPServer]",
		"IPAddr=127.0.0.1",
		"TCPPort=0", // ephemeral so that test can run if glockmgrd is already running
	}

	confFilePath := filepath.Join(testDirPath, "glockmgrd.conf")
	err = ioutil.WriteFile(confFilePath, []byte(strings.Join(confStrings, "\n")+"\n"), 0644)
	if nil != err {
		t.Fatalf("ioutil.WriteFile() returned error: %v", err)
	}

	errChan := make(chan error, 1) // Must be buffered to avoid race

	var wg sync.WaitGroup

	go Daemon(confFilePath, []string{}, errChan, &wg,
		[]string{"glockmgrd.test", confFilePath},
		unix.SIGHUP, unix.SIGINT, unix.SIGTERM)

	err = <-errChan
	if nil != err {
		t.Fatalf("Daemon() startup failed: %v", err)
	}

	// SIGHUP should reload the conf file and keep running

	err = unix.Kill(unix.Getpid(), unix.SIGHUP)
	if nil != err {
		t.Fatalf("unix.Kill(SIGHUP) returned error: %v", err)
	}

	select {
	case err = <-errChan:
		if nil == err {
			t.Fatalf("Daemon() exited successfully despite not being told to do so")
		}
		t.Fatalf("Daemon() exited with error == \"%v\"", err)
	case <-time.After(500 * time.Millisecond):
		// still running as expected
	}

	// Send ourself a SIGTERM to signal normal termination

	err = unix.Kill(unix.Getpid(), unix.SIGTERM)
	if nil != err {
		t.Fatalf("unix.Kill(SIGTERM) returned error: %v", err)
	}

	err = <-errChan
	if nil != err {
		t.Fatalf("Daemon() exited with error == \"%v\"", err)
	}

	wg.Wait()
}
