package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	gc "github.com/go-check/check"

	"github.com/mittachaitu/zfs/internal/volume"
)

func Test(t *testing.T) { gc.TestingT(t) }

type CheckpointSuite struct{}

var _ = gc.Suite(&CheckpointSuite{})

type recordingStore struct {
	mu    sync.Mutex
	calls []uint64
}

func (r *recordingStore) Read(ctx context.Context, h volume.StoreHandle, buf []byte, offset, length uint64, wantMetadata bool) ([]volume.MetadataRecord, error) {
	return nil, nil
}
func (r *recordingStore) Write(ctx context.Context, h volume.StoreHandle, data []byte, offset, ioNum uint64, isRebuild bool) error {
	return nil
}
func (r *recordingStore) Flush(ctx context.Context, h volume.StoreHandle) error { return nil }
func (r *recordingStore) GetIODiff(ctx context.Context, h volume.StoreHandle, since, offset, length uint64, cb func(volume.DiffBlock) error) error {
	return nil
}
func (r *recordingStore) StoreLastCommittedIO(ctx context.Context, h volume.StoreHandle, ioNum uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ioNum)
	return nil
}
func (r *recordingStore) Size(ctx context.Context, h volume.StoreHandle) (uint64, error) { return 0, nil }

func (r *recordingStore) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.calls...)
}

// TestTickCheckpointsDueHealthyVolumeOnly exercises spec §8 scenario 6: a
// healthy volume past its deadline gets checkpointed with the *previous*
// checkpointed_ionum, and checkpointed_ionum/time advance to running_ionum/now.
func (s *CheckpointSuite) TestTickCheckpointsDueHealthyVolumeOnly(c *gc.C) {
	var store = &recordingStore{}
	var reg = volume.NewInMemory()

	var due = volume.New("due", "h1")
	due.SetHealthStatus(volume.HealthHealthy)
	due.SetUpdateIONumInterval(time.Second)
	due.SetCheckpointedTime(time.Now().Add(-2 * time.Second))
	due.AdvanceRunningIONum(100)
	reg.Put(due)

	var notDue = volume.New("not-due", "h2")
	notDue.SetHealthStatus(volume.HealthHealthy)
	notDue.SetUpdateIONumInterval(time.Hour)
	notDue.SetCheckpointedTime(time.Now())
	notDue.AdvanceRunningIONum(5)
	reg.Put(notDue)

	var degraded = volume.New("degraded", "h3")
	degraded.SetHealthStatus(volume.HealthDegraded)
	degraded.SetUpdateIONumInterval(time.Second)
	degraded.SetCheckpointedTime(time.Now().Add(-time.Hour))
	reg.Put(degraded)

	var svc = New(reg, store, nil)
	svc.tick(context.Background())

	c.Check(store.snapshot(), gc.DeepEquals, []uint64{0})
	c.Check(due.CheckpointedIONum(), gc.Equals, uint64(100))
	c.Check(notDue.CheckpointedIONum(), gc.Equals, uint64(0))
	c.Check(degraded.CheckpointedIONum(), gc.Equals, uint64(0))
}

// TestSetUpdateIONumIntervalZeroJustWakes checks that a timeout of zero
// wakes a blocked Run loop without altering the volume's interval (spec
// §4.F, §4.E's "interval 0 means no change, just wake").
func (s *CheckpointSuite) TestSetUpdateIONumIntervalZeroJustWakes(c *gc.C) {
	var store = &recordingStore{}
	var reg = volume.NewInMemory()
	var v = volume.New("v1", "h1")
	v.SetUpdateIONumInterval(time.Hour)
	reg.Put(v)

	var svc = New(reg, store, nil)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var runDone = make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(runDone)
	}()

	time.Sleep(10 * time.Millisecond) // let Run reach its first wait
	svc.SetUpdateIONumInterval(v, 0)
	time.Sleep(10 * time.Millisecond)

	c.Check(v.UpdateIONumInterval(), gc.Equals, time.Hour) // unchanged

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		c.Fatal("Run did not exit after ctx cancellation")
	}
}
