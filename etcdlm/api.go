// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package etcdlm provides the etcd-backed lock-manager backend: each lock
// is one JSON record under the lock space's key prefix, transitioned by
// compare-and-swap transactions; blocking notifications and remote grants
// arrive via watches; node liveness rides an etcd lease, whose expiry
// triggers recovery notification on the surviving nodes.
package etcdlm

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/cityhash"
	etcd "go.etcd.io/etcd/clientv3"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/etcdclient"
	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/trackedlock"
)

const (
	defaultLeaseTTL       = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

type backendStruct struct{}

var globals struct {
	trackedlock.Mutex
	lockSpaceMap map[string]*lockSpaceStruct
}

func init() {
	globals.lockSpaceMap = make(map[string]*lockSpaceStruct)
	glock.RegisterBackend("etcd", &backendStruct{})
}

// errNoChange is returned by a record mutator to indicate the record is
// already in the desired state; the CAS write is skipped.
var errNoChange = errors.New("etcdlm: record unchanged")

type pendingStruct struct {
	state glock.LockState
	flags glock.ReqFlag
}

type nodeRecordStruct struct {
	JID uint64 `json:"jid"`
}

// lockSpaceStruct is one mounted etcd-backed lock space; it implements
// glock.BackendLockSpace.
type lockSpaceStruct struct {
	lockSpaceName  string
	nodeID         string
	jid            uint64
	callbacks      glock.BackendCallbacks
	cli            *etcd.Client
	kvc            etcd.KV
	leaseID        etcd.LeaseID
	requestTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	watcherWG sync.WaitGroup

	// pendingMap tracks our in-flight requests so a grant observed via
	// watch or written by our own transaction is delivered exactly once.
	pendingMutex trackedlock.Mutex
	pendingMap   map[glock.GlockName]*pendingStruct
	notifiedMap  map[glock.GlockName]glock.LockState
	nodeJIDMap   map[string]uint64
	unmounting   bool

	// Callbacks into the glock core are run in order by a dedicated
	// dispatcher goroutine.
	dispatchMutex trackedlock.Mutex
	dispatchCond  *sync.Cond
	dispatchList  *list.List // func()
	dispatchStop  bool
	dispatchWG    sync.WaitGroup
}

func (bls *lockSpaceStruct) prefix() string {
	return "glockmgr/" + bls.lockSpaceName + "/"
}

func (bls *lockSpaceStruct) lockKeyPrefix() string {
	return bls.prefix() + "locks/"
}

func (bls *lockSpaceStruct) nodeKeyPrefix() string {
	return bls.prefix() + "nodes/"
}

func (bls *lockSpaceStruct) recoveryKeyPrefix() string {
	return bls.prefix() + "recovery/"
}

func (bls *lockSpaceStruct) lockKey(name glock.GlockName) string {
	return bls.lockKeyPrefix() + fmt.Sprintf("%d:%d", uint16(name.Type), name.Number)
}

func (bls *lockSpaceStruct) parseLockKey(key string) (name glock.GlockName, ok bool) {
	suffix := key[len(bls.lockKeyPrefix()):]
	var glockType uint16
	var glockNumber uint64
	n, err := fmt.Sscanf(suffix, "%d:%d", &glockType, &glockNumber)
	if err != nil || n != 2 {
		return
	}
	name = glock.GlockName{Type: glock.GlockType(glockType), Number: glockNumber}
	ok = true
	return
}

// MountLockSpace connects to the etcd cluster named in confMap's
// [EtcdClient] section, establishes the node's liveness lease, and starts
// the watchers that drive remote grants, blocking notifications, and
// recovery events.
func (backend *backendStruct) MountLockSpace(lockSpaceName string, nodeID string, confMap conf.ConfMap, callbacks glock.BackendCallbacks) (backendLockSpace glock.BackendLockSpace, err error) {
	if confMap == nil {
		err = blunder.NewError(blunder.InvalidArgError, "etcdlm: mount of lock space \"%s\" requires a conf with an [EtcdClient] section", lockSpaceName)
		return
	}

	options, err := etcdclient.OptionsFromConfMap(confMap)
	if err != nil {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	leaseTTL, confErr := confMap.FetchOptionValueDuration("EtcdLM", "LeaseTTL")
	if confErr != nil {
		leaseTTL = defaultLeaseTTL
	}
	requestTimeout, confErr := confMap.FetchOptionValueDuration("EtcdLM", "RequestTimeout")
	if confErr != nil {
		requestTimeout = defaultRequestTimeout
	}
	jid, confErr := confMap.FetchOptionValueUint64("EtcdLM", "JournalID")
	if confErr != nil {
		jid = cityhash.Hash64([]byte(nodeID))
	}

	cli, err := etcdclient.New(options)
	if err != nil {
		return
	}

	bls := &lockSpaceStruct{
		lockSpaceName:  lockSpaceName,
		nodeID:         nodeID,
		jid:            jid,
		callbacks:      callbacks,
		cli:            cli,
		kvc:            etcd.NewKV(cli),
		requestTimeout: requestTimeout,
		pendingMap:     make(map[glock.GlockName]*pendingStruct),
		notifiedMap:    make(map[glock.GlockName]glock.LockState),
		nodeJIDMap:     make(map[string]uint64),
		dispatchList:   list.New(),
	}
	bls.ctx, bls.cancel = context.WithCancel(context.Background())
	bls.dispatchCond = sync.NewCond(&bls.dispatchMutex)

	err = bls.establishLease(leaseTTL)
	if err != nil {
		cli.Close()
		return
	}

	err = bls.announceNode()
	if err != nil {
		bls.cancel()
		cli.Close()
		return
	}

	bls.loadPeers()

	bls.dispatchWG.Add(1)
	go bls.dispatcher()

	bls.watcherWG.Add(3)
	go bls.watchLocks()
	go bls.watchNodes()
	go bls.watchRecovery()

	globals.Lock()
	globals.lockSpaceMap[lockSpaceName] = bls
	globals.Unlock()

	logger.Infof("etcdlm: mounted lock space \"%s\" as node \"%s\" (jid %d)", lockSpaceName, nodeID, jid)
	backendLockSpace = bls
	return
}

// establishLease grants the liveness lease and starts the keepalive
// goroutine. Loss of the lease stream withdraws the lock space: the
// cluster will treat this node as dead and recover its journal.
func (bls *lockSpaceStruct) establishLease(leaseTTL time.Duration) (err error) {
	ctx, cancel := context.WithTimeout(bls.ctx, bls.requestTimeout)
	leaseResp, err := bls.cli.Grant(ctx, int64(leaseTTL/time.Second))
	cancel()
	if err != nil {
		return
	}
	bls.leaseID = leaseResp.ID

	keepAliveChan, err := bls.cli.KeepAlive(bls.ctx, bls.leaseID)
	if err != nil {
		return
	}

	bls.watcherWG.Add(1)
	go func() {
		defer bls.watcherWG.Done()
		for range keepAliveChan {
		}
		bls.pendingMutex.Lock()
		unmounting := bls.unmounting
		bls.pendingMutex.Unlock()
		if !unmounting {
			bls.deliver(func() {
				bls.callbacks.Withdraw(blunder.NewError(blunder.WithdrawError, "etcdlm: node \"%s\" lost its liveness lease for lock space \"%s\"", bls.nodeID, bls.lockSpaceName))
			})
		}
	}()
	return nil
}

func (bls *lockSpaceStruct) announceNode() (err error) {
	buf, err := json.Marshal(&nodeRecordStruct{JID: bls.jid})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(bls.ctx, bls.requestTimeout)
	_, err = bls.kvc.Put(ctx, bls.nodeKeyPrefix()+bls.nodeID, string(buf), etcd.WithLease(bls.leaseID))
	cancel()
	return
}

// loadPeers seeds the peer jid map so a node that dies before we ever see
// its announcement still triggers recovery with the right journal.
func (bls *lockSpaceStruct) loadPeers() {
	ctx, cancel := context.WithTimeout(bls.ctx, bls.requestTimeout)
	getResp, err := bls.kvc.Get(ctx, bls.nodeKeyPrefix(), etcd.WithPrefix())
	cancel()
	if err != nil {
		logger.WarnfWithError(err, "etcdlm: initial peer scan of lock space \"%s\" failed", bls.lockSpaceName)
		return
	}
	bls.pendingMutex.Lock()
	for _, kv := range getResp.Kvs {
		peerID := string(kv.Key)[len(bls.nodeKeyPrefix()):]
		nodeRecord := &nodeRecordStruct{}
		if json.Unmarshal(kv.Value, nodeRecord) == nil {
			bls.nodeJIDMap[peerID] = nodeRecord.JID
		}
	}
	bls.pendingMutex.Unlock()
}

// updateLockRecord runs a read-mutate-CAS loop over the named lock's
// record until the transaction lands or the mutator reports no change.
func (bls *lockSpaceStruct) updateLockRecord(name glock.GlockName, mutate func(rec *lockRecordStruct) (err error)) (err error) {
	key := bls.lockKey(name)

	for {
		ctx, cancel := context.WithTimeout(bls.ctx, bls.requestTimeout)
		getResp, err := bls.kvc.Get(ctx, key)
		if err != nil {
			cancel()
			return err
		}

		var (
			rec *lockRecordStruct
			rev int64
		)
		if len(getResp.Kvs) == 0 {
			rec = &lockRecordStruct{}
		} else {
			rev = getResp.Kvs[0].ModRevision
			rec, err = decodeLockRecord(getResp.Kvs[0].Value)
			if err != nil {
				cancel()
				return err
			}
		}

		err = mutate(rec)
		if err != nil {
			cancel()
			if err == errNoChange {
				return nil
			}
			return err
		}

		var cmp etcd.Cmp
		if rev == 0 {
			cmp = etcd.Compare(etcd.CreateRevision(key), "=", 0)
		} else {
			cmp = etcd.Compare(etcd.ModRevision(key), "=", rev)
		}

		var op etcd.Op
		if rec.empty() {
			op = etcd.OpDelete(key)
		} else {
			buf, encodeErr := encodeLockRecord(rec)
			if encodeErr != nil {
				cancel()
				return encodeErr
			}
			op = etcd.OpPut(key, string(buf))
		}

		txnResp, err := bls.kvc.Txn(ctx).If(cmp).Then(op).Commit()
		cancel()
		if err != nil {
			return err
		}
		if txnResp.Succeeded {
			return nil
		}
		// Lost the race against another node's transition; reread and
		// rearbitrate.
	}
}

// Request submits a lock transition. Immediate outcomes (grant, TRY
// failure, conversion deadlock) are delivered from here; queued requests
// are granted later by whichever node's transaction promotes the waiter,
// observed via the lock watch.
func (bls *lockSpaceStruct) Request(name glock.GlockName, state glock.LockState, flags glock.ReqFlag, lvb []byte) (err error) {
	if state != glock.Unlocked {
		bls.pendingMutex.Lock()
		bls.pendingMap[name] = &pendingStruct{state: state, flags: flags}
		bls.pendingMutex.Unlock()
	}

	var (
		outcome  requestOutcome
		grantLVB []byte
	)
	err = bls.updateLockRecord(name, func(rec *lockRecordStruct) error {
		outcome, _ = rec.applyRequest(bls.nodeID, state, flags, lvb)
		grantLVB = nil
		if outcome == outcomeGranted && flags&glock.ReqFlagLVB != 0 && rec.LVB != nil {
			grantLVB = append([]byte(nil), rec.LVB...)
		}
		return nil
	})
	if err != nil {
		bls.takePending(name)
		return err
	}

	switch outcome {
	case outcomeGranted:
		if state == glock.Unlocked {
			bls.deliverCompletion(name, glock.Unlocked, nil, 0)
		} else if bls.takePending(name) != nil {
			bls.deliverCompletion(name, state, grantLVB, 0)
		}
	case outcomeQueued:
		// The grant arrives via the lock watch.
	case outcomeTryFail:
		if bls.takePending(name) != nil {
			bls.deliverCompletion(name, glock.Unlocked, nil, int(unix.EAGAIN))
		}
	case outcomeDeadlock:
		if bls.takePending(name) != nil {
			bls.deliverCompletion(name, glock.Unlocked, nil, int(unix.EDEADLK))
		}
	}
	return nil
}

// Cancel removes our queued waiter for name, if it is still queued. A
// grant that already landed is delivered normally by the watch.
func (bls *lockSpaceStruct) Cancel(name glock.GlockName) (err error) {
	removed := false
	err = bls.updateLockRecord(name, func(rec *lockRecordStruct) error {
		removed = rec.removeWaiter(bls.nodeID)
		if !removed {
			return errNoChange
		}
		rec.promoteWaiters()
		return nil
	})
	if err != nil {
		return
	}
	if removed && bls.takePending(name) != nil {
		bls.deliverCompletion(name, glock.Unlocked, nil, int(unix.ECANCELED))
	}
	return nil
}

// Put drops all local interest in name, writing back the final lock value
// block.
func (bls *lockSpaceStruct) Put(name glock.GlockName, lvb []byte) (err error) {
	return bls.updateLockRecord(name, func(rec *lockRecordStruct) error {
		changed := rec.removeHolder(bls.nodeID)
		if rec.removeWaiter(bls.nodeID) {
			changed = true
		}
		if lvb != nil {
			rec.LVB = append([]byte(nil), lvb...)
			changed = true
		}
		if !changed {
			return errNoChange
		}
		rec.promoteWaiters()
		return nil
	})
}

// Unmount withdraws the node from the cluster: the node key and lease go
// away cleanly so peers do not start recovery for us.
func (bls *lockSpaceStruct) Unmount() (err error) {
	bls.pendingMutex.Lock()
	bls.unmounting = true
	bls.pendingMutex.Unlock()

	globals.Lock()
	delete(globals.lockSpaceMap, bls.lockSpaceName)
	globals.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bls.requestTimeout)
	_, err = bls.kvc.Delete(ctx, bls.nodeKeyPrefix()+bls.nodeID)
	if err != nil {
		logger.WarnfWithError(err, "etcdlm: node key removal for lock space \"%s\" failed", bls.lockSpaceName)
	}
	_, err = bls.cli.Revoke(ctx, bls.leaseID)
	if err != nil {
		logger.WarnfWithError(err, "etcdlm: lease revoke for lock space \"%s\" failed", bls.lockSpaceName)
	}
	cancel()

	bls.cancel()
	bls.watcherWG.Wait()
	bls.stopDispatcher()

	err = bls.cli.Close()
	logger.Infof("etcdlm: unmounted lock space \"%s\" (node \"%s\")", bls.lockSpaceName, bls.nodeID)
	return
}

// CompleteRecovery publishes the outcome of recovering journal jid; every
// node of the lock space delivers RecoveryResult and reopens its recovery
// gate. Called by whichever node performed the journal replay.
func CompleteRecovery(lockSpaceName string, jid uint64, status glock.RecoveryStatus) (err error) {
	globals.Lock()
	bls, ok := globals.lockSpaceMap[lockSpaceName]
	globals.Unlock()
	if !ok {
		return blunder.NewError(blunder.NotFoundError, "etcdlm: lock space \"%s\" is not mounted on this node", lockSpaceName)
	}

	ctx, cancel := context.WithTimeout(bls.ctx, bls.requestTimeout)
	_, err = bls.kvc.Put(ctx, bls.recoveryKeyPrefix()+strconv.FormatUint(jid, 10), strconv.FormatUint(uint64(status), 10))
	cancel()
	return
}

// takePending atomically claims the in-flight request entry for name, so
// the request path and the watch path deliver each outcome exactly once.
func (bls *lockSpaceStruct) takePending(name glock.GlockName) (pending *pendingStruct) {
	bls.pendingMutex.Lock()
	pending = bls.pendingMap[name]
	if pending != nil {
		delete(bls.pendingMap, name)
	}
	bls.pendingMutex.Unlock()
	return
}

func (bls *lockSpaceStruct) deliverCompletion(name glock.GlockName, granted glock.LockState, lvb []byte, errno int) {
	cb := bls.callbacks
	bls.deliver(func() { cb.Completion(name, granted, lvb, errno) })
}

func (bls *lockSpaceStruct) dispatcher() {
	defer bls.dispatchWG.Done()
	for {
		bls.dispatchMutex.Lock()
		for bls.dispatchList.Len() == 0 {
			if bls.dispatchStop {
				bls.dispatchMutex.Unlock()
				return
			}
			bls.dispatchCond.Wait()
		}
		elem := bls.dispatchList.Front()
		bls.dispatchList.Remove(elem)
		bls.dispatchMutex.Unlock()

		elem.Value.(func())()
	}
}

func (bls *lockSpaceStruct) deliver(fn func()) {
	bls.dispatchMutex.Lock()
	if !bls.dispatchStop {
		bls.dispatchList.PushBack(fn)
		bls.dispatchCond.Signal()
	}
	bls.dispatchMutex.Unlock()
}

func (bls *lockSpaceStruct) stopDispatcher() {
	bls.dispatchMutex.Lock()
	bls.dispatchStop = true
	bls.dispatchCond.Signal()
	bls.dispatchMutex.Unlock()
	bls.dispatchWG.Wait()
}
