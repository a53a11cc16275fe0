package volume

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a volume (spec §3).
type State int

const (
	StateInit State = iota
	StateOnline
	StateOffline // permanent shutdown marker; never reverts.
)

// RebuildStatus mirrors spec §3's rebuild_status enum.
type RebuildStatus int

const (
	RebuildInit RebuildStatus = iota
	RebuildInProgress
	RebuildDone
	RebuildErrored
	RebuildFailed
)

// HealthStatus mirrors spec §3's health_status enum.
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthDegraded
)

// ErrAckSenderGone is returned by Enqueue when no ack-sender is currently
// bound to the volume's data connection (spec §4.C rule 5, §4.D teardown).
var ErrAckSenderGone = errors.New("volume: no ack-sender bound")

// QueueEntry is satisfied by any completed unit of work a volume's
// complete_queue can hold. package command's *Command implements this;
// volume deliberately does not import command, to avoid a dependency
// cycle (command.Command holds a *Info back-reference).
type QueueEntry interface {
	// ConnID identifies the data connection the entry originated on, used
	// by RemovePendingForConn to drop entries of a torn-down connection.
	ConnID() uint32
}

// Counters are the monotonic request counters of spec §3.
type Counters struct {
	ReadReq  uint64
	WriteReq uint64
	SyncReq  uint64
}

// rebuildInfo tracks the per-volume rebuild bookkeeping of spec §3's
// invariant 5, guarded by Info.rebuildMtx.
type rebuildInfo struct {
	RebuildCnt       int
	RebuildDoneCnt   int
	RebuildFailedCnt int
}

// Info is one VolumeInfo as described in spec §3. Its exported fields that
// are not concurrency-sensitive (Name, StoreHandle) are safe to read
// without a lock once the volume is constructed; everything the spec calls
// out as shared mutable state is private and accessed only through methods
// that hold the appropriate mutex.
type Info struct {
	Name        string
	StoreHandle StoreHandleHolder

	state      int32 // atomic State
	rebuildSt  int32 // atomic RebuildStatus
	healthSt   int32 // atomic HealthStatus

	runningIONum      uint64 // atomic; CAS-updated, monotonic max (invariant 1)
	checkpointedIONum uint64 // atomic; written only by the checkpoint timer
	checkpointedTime  int64  // atomic unix nanos

	updateIONumIntervalSeconds int64 // atomic; 0 means "timer skips this volume"

	counters Counters // atomic fields accessed via atomic.Add

	refcount int32 // atomic; invariant 4

	mu    sync.Mutex // guards ack and the cond below (spec §5)
	cond  *sync.Cond
	ack   map[string]*ackChannel

	rebuildMtx  sync.Mutex // never held while mu is held (spec §5 lock order)
	rebuildData rebuildInfo
}

// ackChannel is one role's complete_queue/ack-sender-alive state. A volume
// serves one data connection at a time per peer role (spec §4.D): the
// I/O-port client and the rebuild-port donor scanner each get an
// independent slot, so a rebuild can run concurrently with live client I/O
// without the two ack-senders contending over a single flag.
type ackChannel struct {
	queue       []QueueEntry
	waiting     bool
	bound       bool
	zioCmdInAck QueueEntry
}

// Ack-sender role keys (spec §4.D, §4.E).
const (
	RoleClient       = "client"
	RoleRebuildDonor = "rebuild-donor"
)

// StoreHandleHolder carries the opaque store handle alongside whatever the
// management plane attached when the volume was opened.
type StoreHandleHolder interface{}

// New constructs a volume in state INIT. The management plane transitions
// it to ONLINE once the store handle is opened (out of scope here).
func New(name string, handle StoreHandleHolder) *Info {
	var v = &Info{
		Name:        name,
		StoreHandle: handle,
		state:       int32(StateInit),
	}
	v.cond = sync.NewCond(&v.mu)
	v.ack = make(map[string]*ackChannel, 2)
	return v
}

// ackFor returns role's ackChannel, creating it on first use. Callers must
// hold v.mu.
func (v *Info) ackFor(role string) *ackChannel {
	var a = v.ack[role]
	if a == nil {
		a = &ackChannel{}
		v.ack[role] = a
	}
	return a
}

func (v *Info) State() State           { return State(atomic.LoadInt32(&v.state)) }
func (v *Info) SetState(s State)       { atomic.StoreInt32(&v.state, int32(s)) }
func (v *Info) RebuildStatus() RebuildStatus { return RebuildStatus(atomic.LoadInt32(&v.rebuildSt)) }
func (v *Info) SetRebuildStatus(s RebuildStatus) { atomic.StoreInt32(&v.rebuildSt, int32(s)) }
func (v *Info) HealthStatus() HealthStatus { return HealthStatus(atomic.LoadInt32(&v.healthSt)) }
func (v *Info) SetHealthStatus(s HealthStatus) { atomic.StoreInt32(&v.healthSt, int32(s)) }

// IsFullyRebuilt reports whether the volume's most recent rebuild (if any)
// completed successfully, or no rebuild was ever required. Used by the
// worker to decide whether a non-rebuild READ needs a metadata descriptor
// even when the caller didn't ask for one (spec §4.C step 2).
func (v *Info) IsFullyRebuilt() bool {
	switch v.RebuildStatus() {
	case RebuildInit, RebuildDone:
		return true
	default:
		return false
	}
}

// RunningIONum returns the monotonic max io-num observed so far.
func (v *Info) RunningIONum() uint64 { return atomic.LoadUint64(&v.runningIONum) }

// AdvanceRunningIONum CAS-loops running_ionum up to max(current, ioNum),
// per spec §4.C's write-dispatch rule and invariant 6.
func (v *Info) AdvanceRunningIONum(ioNum uint64) {
	for {
		var cur = atomic.LoadUint64(&v.runningIONum)
		if ioNum <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&v.runningIONum, cur, ioNum) {
			return
		}
	}
}

// CheckpointedIONum returns the last durably-recorded io-num.
func (v *Info) CheckpointedIONum() uint64 { return atomic.LoadUint64(&v.checkpointedIONum) }

// SetCheckpointedIONum is called only by the checkpoint timer task
// (spec §5).
func (v *Info) SetCheckpointedIONum(n uint64) { atomic.StoreUint64(&v.checkpointedIONum, n) }

// CheckpointedTime returns the wall-clock time of the last checkpoint.
func (v *Info) CheckpointedTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&v.checkpointedTime))
}

// SetCheckpointedTime records t as the last checkpoint time.
func (v *Info) SetCheckpointedTime(t time.Time) {
	atomic.StoreInt64(&v.checkpointedTime, t.UnixNano())
}

// UpdateIONumInterval returns the configured checkpoint interval, or 0 if
// the timer should skip this volume.
func (v *Info) UpdateIONumInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&v.updateIONumIntervalSeconds)) * time.Second
}

// SetUpdateIONumInterval is a no-op if the value is unchanged, per spec §4.F.
func (v *Info) SetUpdateIONumInterval(d time.Duration) (changed bool) {
	var seconds = int64(d / time.Second)
	var prev = atomic.SwapInt64(&v.updateIONumIntervalSeconds, seconds)
	return prev != seconds
}

// Counters returns a snapshot of the request counters.
func (v *Info) Counters() Counters {
	return Counters{
		ReadReq:  atomic.LoadUint64(&v.counters.ReadReq),
		WriteReq: atomic.LoadUint64(&v.counters.WriteReq),
		SyncReq:  atomic.LoadUint64(&v.counters.SyncReq),
	}
}

func (v *Info) IncReadReq()  { atomic.AddUint64(&v.counters.ReadReq, 1) }
func (v *Info) IncWriteReq() { atomic.AddUint64(&v.counters.WriteReq, 1) }
func (v *Info) IncSyncReq()  { atomic.AddUint64(&v.counters.SyncReq, 1) }

// TakeRef increments the refcount. Callers must pair with DropRef exactly
// once (invariant 4).
func (v *Info) TakeRef() { atomic.AddInt32(&v.refcount, 1) }

// DropRef decrements the refcount and returns the post-decrement value.
func (v *Info) DropRef() int32 { return atomic.AddInt32(&v.refcount, -1) }

// Refcount returns the current refcount (invariant 3 verification, tests).
func (v *Info) Refcount() int32 { return atomic.LoadInt32(&v.refcount) }

// BindAckSender marks that an ack-sender is now alive for this volume's
// current data connection of the given peer role (spec §4.D handshake). ok
// is false if one is already bound for that role, in which case the caller
// must reject the new connection.
func (v *Info) BindAckSender(role string) (ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var a = v.ackFor(role)
	if a.bound {
		return false
	}
	a.bound = true
	return true
}

// UnbindAckSender clears role's ack-sender-alive flag, the first step of
// that connection's teardown (spec §4.D).
func (v *Info) UnbindAckSender(role string) {
	v.mu.Lock()
	v.ackFor(role).bound = false
	v.mu.Unlock()
}

// Enqueue appends entry to role's complete_queue and wakes its ack-sender,
// iff an ack-sender is bound for role (invariant 2: no enqueue without the
// role's ack-sender-alive flag, checked under the same lock acquisition).
// Returns ErrAckSenderGone otherwise, in which case the caller must free
// entry itself (spec §4.C rule 5).
func (v *Info) Enqueue(role string, entry QueueEntry) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var a = v.ackFor(role)
	if !a.bound {
		return ErrAckSenderGone
	}
	a.queue = append(a.queue, entry)
	if a.waiting {
		a.waiting = false
		v.cond.Broadcast()
	}
	return nil
}

// DequeueOrWait pops the oldest entry from role's complete_queue, blocking
// on the volume's condvar if that queue is empty (spec §4.D ack-sender step
// 1). It returns ok=false if ctx is done while waiting. All roles share one
// condvar; each waiter re-checks only its own role's queue, so a broadcast
// meant for one role is a harmless spurious wakeup for another.
func (v *Info) DequeueOrWait(ctx context.Context, role string) (entry QueueEntry, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Wake the blocking Cond.Wait when ctx is cancelled, by running a
	// sentinel goroutine that signals once. This adapts the blocking
	// condvar to cooperative cancellation (spec §5's "observable
	// cancellation signals") without abandoning the condvar pattern the
	// teacher's KeySpace.Mu/Observers machinery also relies on.
	var done = make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			v.mu.Lock()
			v.cond.Broadcast()
			v.mu.Unlock()
		case <-done:
		}
	}()

	var a = v.ackFor(role)
	for len(a.queue) == 0 {
		if ctx.Err() != nil {
			return nil, false
		}
		a.waiting = true
		v.cond.Wait()
	}
	entry, a.queue = a.queue[0], a.queue[1:]
	a.zioCmdInAck = entry
	return entry, true
}

// ClearZioCmdInAck clears role's in-flight ack-sender command marker once
// its reply has been fully written (spec §4.D step 4).
func (v *Info) ClearZioCmdInAck(role string) {
	v.mu.Lock()
	v.ackFor(role).zioCmdInAck = nil
	v.mu.Unlock()
}

// ZioCmdInAck returns the command currently being written by role's
// ack-sender, or nil.
func (v *Info) ZioCmdInAck(role string) QueueEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ackFor(role).zioCmdInAck
}

// RemovePendingForConn drains every entry of role's complete_queue whose
// ConnID matches connID and returns them for the caller to free (spec §4.D
// "remove_pending_cmds_to_ack"). It does not touch zioCmdInAck: the
// caller must separately spin-wait for that to clear or belong to another
// connection.
func (v *Info) RemovePendingForConn(role string, connID uint32) []QueueEntry {
	v.mu.Lock()
	defer v.mu.Unlock()

	var a = v.ackFor(role)
	var kept = a.queue[:0:0]
	var removed []QueueEntry
	for _, e := range a.queue {
		if e.ConnID() == connID {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	a.queue = kept
	return removed
}

// AwaitAckSenderIdle spin-waits (with a short sleep) until role's
// zioCmdInAck is either nil or belongs to a connection other than connID.
// This directly implements spec §4.D's teardown step and the §9 design
// note acknowledging it as a spin-wait pending a proper idle-condvar
// replacement.
func (v *Info) AwaitAckSenderIdle(role string, connID uint32) {
	for {
		var cur = v.ZioCmdInAck(role)
		if cur == nil || cur.ConnID() != connID {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Rebuild bookkeeping (spec §3 invariant 5, §4.E, §5 lock order).

// SetRebuildCount is invoked by the management plane before spawning
// rebuild-recipient tasks (spec §9 open question: "the management plane
// has already set rebuild_cnt before spawning recipients"). It resets the
// rebuild counters and marks the volume IN_PROGRESS and DEGRADED until
// RecordRebuildOutcome finalizes it.
func (v *Info) SetRebuildCount(n int) {
	v.rebuildMtx.Lock()
	v.rebuildData = rebuildInfo{RebuildCnt: n}
	v.rebuildMtx.Unlock()
	v.SetRebuildStatus(RebuildInProgress)
	v.SetHealthStatus(HealthDegraded)
}

// RebuildCounts returns a snapshot of the rebuild counters.
func (v *Info) RebuildCounts() (cnt, done, failed int) {
	v.rebuildMtx.Lock()
	defer v.rebuildMtx.Unlock()
	return v.rebuildData.RebuildCnt, v.rebuildData.RebuildDoneCnt, v.rebuildData.RebuildFailedCnt
}

// RecordRebuildOutcome increments rebuild_done_cnt, and rebuild_failed_cnt
// iff failed is true. When rebuild_done_cnt reaches rebuild_cnt it
// finalizes rebuild_status and health_status per invariant 5, returning
// true with the final RebuildStatus iff this call was the terminal one.
func (v *Info) RecordRebuildOutcome(failed bool) (terminal bool, final RebuildStatus) {
	v.rebuildMtx.Lock()
	defer v.rebuildMtx.Unlock()

	if failed {
		v.rebuildData.RebuildFailedCnt++
		v.SetRebuildStatus(RebuildErrored)
	}
	v.rebuildData.RebuildDoneCnt++

	if v.rebuildData.RebuildDoneCnt < v.rebuildData.RebuildCnt {
		return false, 0
	}

	if v.rebuildData.RebuildFailedCnt > 0 {
		final = RebuildFailed
	} else {
		final = RebuildDone
		v.SetHealthStatus(HealthHealthy)
	}
	v.SetRebuildStatus(final)
	return true, final
}
