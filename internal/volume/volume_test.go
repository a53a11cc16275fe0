package volume

import (
	"context"
	"testing"
	"time"

	gc "github.com/go-check/check"
)

func Test(t *testing.T) { gc.TestingT(t) }

type VolumeSuite struct{}

var _ = gc.Suite(&VolumeSuite{})

type fakeEntry struct{ conn uint32 }

func (f fakeEntry) ConnID() uint32 { return f.conn }

func (s *VolumeSuite) TestAdvanceRunningIONumIsMonotonicMax(c *gc.C) {
	var v = New("v1", nil)
	v.AdvanceRunningIONum(5)
	v.AdvanceRunningIONum(3) // lower: no-op
	c.Check(v.RunningIONum(), gc.Equals, uint64(5))
	v.AdvanceRunningIONum(9)
	c.Check(v.RunningIONum(), gc.Equals, uint64(9))
}

func (s *VolumeSuite) TestRunningGECheckpointed(c *gc.C) {
	// Invariant 1: running_ionum >= checkpointed_ionum at all times.
	var v = New("v1", nil)
	v.AdvanceRunningIONum(100)
	v.SetCheckpointedIONum(100)
	c.Check(v.RunningIONum() >= v.CheckpointedIONum(), gc.Equals, true)
}

func (s *VolumeSuite) TestEnqueueRequiresAckSenderBound(c *gc.C) {
	var v = New("v1", nil)
	var err = v.Enqueue(RoleClient, fakeEntry{conn: 1})
	c.Assert(err, gc.Equals, ErrAckSenderGone)

	c.Assert(v.BindAckSender(RoleClient), gc.Equals, true)
	c.Assert(v.Enqueue(RoleClient, fakeEntry{conn: 1}), gc.IsNil)

	// A second bind attempt while one is live must fail (spec §4.D: one
	// data-connection per volume at a time from a given peer role).
	c.Check(v.BindAckSender(RoleClient), gc.Equals, false)
}

func (s *VolumeSuite) TestDequeueOrWaitBlocksThenWakes(c *gc.C) {
	var v = New("v1", nil)
	c.Assert(v.BindAckSender(RoleClient), gc.Equals, true)

	var gotCh = make(chan QueueEntry, 1)
	go func() {
		var entry, ok = v.DequeueOrWait(context.Background(), RoleClient)
		if ok {
			gotCh <- entry
		}
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine reach Cond.Wait
	c.Assert(v.Enqueue(RoleClient, fakeEntry{conn: 7}), gc.IsNil)

	select {
	case got := <-gotCh:
		c.Check(got.ConnID(), gc.Equals, uint32(7))
	case <-time.After(time.Second):
		c.Fatal("DequeueOrWait did not wake on Enqueue")
	}
}

func (s *VolumeSuite) TestDequeueOrWaitUnblocksOnContextCancel(c *gc.C) {
	var v = New("v1", nil)
	var ctx, cancel = context.WithCancel(context.Background())

	var doneCh = make(chan bool, 1)
	go func() {
		var _, ok = v.DequeueOrWait(ctx, RoleClient)
		doneCh <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-doneCh:
		c.Check(ok, gc.Equals, false)
	case <-time.After(time.Second):
		c.Fatal("DequeueOrWait did not observe context cancellation")
	}
}

func (s *VolumeSuite) TestRemovePendingForConnOnlyMatchingEntries(c *gc.C) {
	var v = New("v1", nil)
	c.Assert(v.BindAckSender(RoleClient), gc.Equals, true)
	c.Assert(v.Enqueue(RoleClient, fakeEntry{conn: 1}), gc.IsNil)
	c.Assert(v.Enqueue(RoleClient, fakeEntry{conn: 2}), gc.IsNil)
	c.Assert(v.Enqueue(RoleClient, fakeEntry{conn: 1}), gc.IsNil)

	var removed = v.RemovePendingForConn(RoleClient, 1)
	c.Check(len(removed), gc.Equals, 2)

	var entry, ok = v.DequeueOrWait(context.Background(), RoleClient)
	c.Assert(ok, gc.Equals, true)
	c.Check(entry.ConnID(), gc.Equals, uint32(2))
}

func (s *VolumeSuite) TestRefcountReturnsToInitialValue(c *gc.C) {
	// Invariant 3 / P3: refcount returns to its initial value after
	// workload quiesces.
	var v = New("v1", nil)
	for i := 0; i < 5; i++ {
		v.TakeRef()
	}
	for i := 0; i < 5; i++ {
		v.DropRef()
	}
	c.Check(v.Refcount(), gc.Equals, int32(0))
}

func (s *VolumeSuite) TestRebuildTerminatesHealthyOnAllSuccess(c *gc.C) {
	// P4: after a successful rebuild from K donors.
	var v = New("v1", nil)
	v.SetRebuildCount(3)

	var terminal bool
	var final RebuildStatus
	for i := 0; i < 3; i++ {
		terminal, final = v.RecordRebuildOutcome(false)
	}
	c.Assert(terminal, gc.Equals, true)
	c.Check(final, gc.Equals, RebuildDone)
	c.Check(v.HealthStatus(), gc.Equals, HealthHealthy)

	var cnt, done, failed = v.RebuildCounts()
	c.Check(cnt, gc.Equals, 3)
	c.Check(done, gc.Equals, 3)
	c.Check(failed, gc.Equals, 0)
}

func (s *VolumeSuite) TestRebuildFailsIfAnyDonorFails(c *gc.C) {
	var v = New("v1", nil)
	v.SetRebuildCount(1)

	var terminal, final = v.RecordRebuildOutcome(true)
	c.Assert(terminal, gc.Equals, true)
	c.Check(final, gc.Equals, RebuildFailed)
	c.Check(v.HealthStatus(), gc.Equals, HealthDegraded)
}

func (s *VolumeSuite) TestUpdateIONumIntervalNoopIfUnchanged(c *gc.C) {
	var v = New("v1", nil)
	c.Check(v.SetUpdateIONumInterval(time.Second), gc.Equals, true)
	c.Check(v.SetUpdateIONumInterval(time.Second), gc.Equals, false)
	c.Check(v.SetUpdateIONumInterval(2*time.Second), gc.Equals, true)
}
