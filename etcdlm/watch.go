// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package etcdlm

// Watch-driven event handling: lock-record changes deliver remote grants
// and blocking notifications, node-key deletions drive recovery, and
// recovery-key writes report replay outcomes.

import (
	"context"
	"encoding/json"
	"strconv"

	etcd "go.etcd.io/etcd/clientv3"

	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/logger"
)

func (bls *lockSpaceStruct) watchLocks() {
	defer bls.watcherWG.Done()

	watchChan := bls.cli.Watch(bls.ctx, bls.lockKeyPrefix(), etcd.WithPrefix())
	for watchResp := range watchChan {
		for _, ev := range watchResp.Events {
			name, ok := bls.parseLockKey(string(ev.Kv.Key))
			if !ok {
				continue
			}
			if ev.Type == etcd.EventTypeDelete {
				bls.pendingMutex.Lock()
				delete(bls.notifiedMap, name)
				bls.pendingMutex.Unlock()
				continue
			}
			rec, err := decodeLockRecord(ev.Kv.Value)
			if err != nil {
				logger.WarnfWithError(err, "etcdlm: undecodable lock record for %v in lock space \"%s\"", name, bls.lockSpaceName)
				continue
			}
			bls.handleLockRecordEvent(name, rec)
		}
	}
}

// handleLockRecordEvent inspects the new cluster-wide state of one lock
// for anything addressed to this node: a grant satisfying our queued
// request, an explicit demote demand, or a waiter our cached state blocks.
func (bls *lockSpaceStruct) handleLockRecordEvent(name glock.GlockName, rec *lockRecordStruct) {
	heldState, held := rec.Holders[bls.nodeID]

	if held {
		bls.pendingMutex.Lock()
		pending := bls.pendingMap[name]
		if pending != nil && pending.state == heldState {
			delete(bls.pendingMap, name)
		} else {
			pending = nil
		}
		bls.pendingMutex.Unlock()

		if pending != nil {
			var grantLVB []byte
			if pending.flags&glock.ReqFlagLVB != 0 && rec.LVB != nil {
				grantLVB = append([]byte(nil), rec.LVB...)
			}
			bls.deliverCompletion(name, heldState, grantLVB, 0)
		}
	}

	if !held {
		return
	}

	if demand, ok := rec.Demands[bls.nodeID]; ok {
		cb := bls.callbacks
		bls.deliver(func() { cb.BlockingNotify(name, demand) })
		go bls.clearDemand(name)
		return
	}

	if len(rec.Waiters) != 0 {
		waiter := rec.Waiters[0]
		if waiter.NodeID != bls.nodeID && !modesCompatible(waiter.State, heldState) {
			target := demoteTargetFor(waiter.State)
			bls.pendingMutex.Lock()
			already := bls.notifiedMap[name] == target
			if !already {
				bls.notifiedMap[name] = target
			}
			bls.pendingMutex.Unlock()
			if !already {
				cb := bls.callbacks
				bls.deliver(func() { cb.BlockingNotify(name, target) })
			}
		}
	} else {
		bls.pendingMutex.Lock()
		delete(bls.notifiedMap, name)
		bls.pendingMutex.Unlock()
	}
}

// clearDemand acknowledges a delivered demote demand by removing it from
// the record.
func (bls *lockSpaceStruct) clearDemand(name glock.GlockName) {
	err := bls.updateLockRecord(name, func(rec *lockRecordStruct) error {
		if _, ok := rec.Demands[bls.nodeID]; !ok {
			return errNoChange
		}
		delete(rec.Demands, bls.nodeID)
		return nil
	})
	if err != nil {
		logger.WarnfWithError(err, "etcdlm: demand acknowledgement for %v in lock space \"%s\" failed", name, bls.lockSpaceName)
	}
}

func (bls *lockSpaceStruct) watchNodes() {
	defer bls.watcherWG.Done()

	watchChan := bls.cli.Watch(bls.ctx, bls.nodeKeyPrefix(), etcd.WithPrefix())
	for watchResp := range watchChan {
		for _, ev := range watchResp.Events {
			peerID := string(ev.Kv.Key)[len(bls.nodeKeyPrefix()):]
			if peerID == bls.nodeID {
				continue
			}
			switch ev.Type {
			case etcd.EventTypePut:
				nodeRecord := &nodeRecordStruct{}
				if jsonErr := json.Unmarshal(ev.Kv.Value, nodeRecord); jsonErr == nil {
					bls.pendingMutex.Lock()
					bls.nodeJIDMap[peerID] = nodeRecord.JID
					bls.pendingMutex.Unlock()
				}
			case etcd.EventTypeDelete:
				bls.pendingMutex.Lock()
				jid, known := bls.nodeJIDMap[peerID]
				delete(bls.nodeJIDMap, peerID)
				bls.pendingMutex.Unlock()
				if !known {
					logger.Warnf("etcdlm: node \"%s\" left lock space \"%s\" with no known journal", peerID, bls.lockSpaceName)
					continue
				}
				logger.Infof("etcdlm: node \"%s\" left lock space \"%s\"; journal %d needs recovery", peerID, bls.lockSpaceName, jid)
				cb := bls.callbacks
				bls.deliver(func() { cb.RecoveryNeeded(jid) })
				go bls.scavengeNode(peerID)
			}
		}
	}
}

// scavengeNode strips a departed node from every lock record, waking the
// waiters its stale grants blocked. All survivors race to do this; the
// CAS loops make the result idempotent.
func (bls *lockSpaceStruct) scavengeNode(peerID string) {
	getCtx, cancel := context.WithTimeout(bls.ctx, bls.requestTimeout)
	getResp, err := bls.kvc.Get(getCtx, bls.lockKeyPrefix(), etcd.WithPrefix())
	cancel()
	if err != nil {
		logger.WarnfWithError(err, "etcdlm: lock scan while scavenging node \"%s\" from lock space \"%s\" failed", peerID, bls.lockSpaceName)
		return
	}

	for _, kv := range getResp.Kvs {
		name, ok := bls.parseLockKey(string(kv.Key))
		if !ok {
			continue
		}
		err = bls.updateLockRecord(name, func(rec *lockRecordStruct) error {
			if !rec.applyNodeDeparture(peerID) {
				return errNoChange
			}
			return nil
		})
		if err != nil {
			logger.WarnfWithError(err, "etcdlm: scavenge of %v for node \"%s\" in lock space \"%s\" failed", name, peerID, bls.lockSpaceName)
		}
	}
}

func (bls *lockSpaceStruct) watchRecovery() {
	defer bls.watcherWG.Done()

	watchChan := bls.cli.Watch(bls.ctx, bls.recoveryKeyPrefix(), etcd.WithPrefix())
	for watchResp := range watchChan {
		for _, ev := range watchResp.Events {
			if ev.Type != etcd.EventTypePut {
				continue
			}
			jid, err := strconv.ParseUint(string(ev.Kv.Key)[len(bls.recoveryKeyPrefix()):], 10, 64)
			if err != nil {
				continue
			}
			statusValue, err := strconv.ParseUint(string(ev.Kv.Value), 10, 32)
			if err != nil {
				continue
			}
			status := glock.RecoveryStatus(statusValue)
			cb := bls.callbacks
			bls.deliver(func() {
				cb.RecoveryResult(jid, status)
				cb.FirstDone()
			})
		}
	}
}
