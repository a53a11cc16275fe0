package worker

import (
	"bytes"
	"context"
	"sync"
	"testing"

	gc "github.com/go-check/check"

	"github.com/mittachaitu/zfs/internal/command"
	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/wire"
)

func Test(t *testing.T) { gc.TestingT(t) }

type WorkerSuite struct{}

var _ = gc.Suite(&WorkerSuite{})

// fakeStore is an in-memory volume.Store used by this package's tests,
// grounded on the teacher's teststub.NewBroker pattern of a
// small hand-rolled fake standing in for the real collaborator.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte // handle name -> full byte image
	size uint64

	failWrite bool
	failRead  bool
	failFlush bool

	flushes int
}

func newFakeStore(size uint64) *fakeStore {
	return &fakeStore{data: make(map[string][]byte), size: size}
}

func (f *fakeStore) key(h volume.StoreHandle) string { return h.(string) }

func (f *fakeStore) Read(ctx context.Context, h volume.StoreHandle, buf []byte, offset, length uint64, wantMetadata bool) ([]volume.MetadataRecord, error) {
	if f.failRead {
		return nil, errWrite
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var img = f.data[f.key(h)]
	copy(buf, img[offset:offset+length])
	if !wantMetadata {
		return nil, nil
	}
	return []volume.MetadataRecord{{Offset: offset, Len: length, IONum: 7}}, nil
}

func (f *fakeStore) Write(ctx context.Context, h volume.StoreHandle, data []byte, offset uint64, ioNum uint64, isRebuild bool) error {
	if f.failWrite {
		return errWrite
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var key = f.key(h)
	var img = f.data[key]
	if need := offset + uint64(len(data)); uint64(len(img)) < need {
		var grown = make([]byte, need)
		copy(grown, img)
		img = grown
	}
	copy(img[offset:], data)
	f.data[key] = img
	return nil
}

func (f *fakeStore) Flush(ctx context.Context, h volume.StoreHandle) error {
	if f.failFlush {
		return errWrite
	}
	f.flushes++
	return nil
}

func (f *fakeStore) GetIODiff(ctx context.Context, h volume.StoreHandle, since, offset, length uint64, cb func(volume.DiffBlock) error) error {
	return nil
}

func (f *fakeStore) StoreLastCommittedIO(ctx context.Context, h volume.StoreHandle, ioNum uint64) error {
	return nil
}

func (f *fakeStore) Size(ctx context.Context, h volume.StoreHandle) (uint64, error) {
	return f.size, nil
}

var errWrite = &storeErr{"store error"}

type storeErr struct{ msg string }

func (e *storeErr) Error() string { return e.msg }

func (s *WorkerSuite) TestWriteThenReadRoundTrip(c *gc.C) {
	// R1: write {io_num=7,data=D,offset=0,len=8}, then read {offset=0,len=8}.
	var store = newFakeStore(4096)
	var v = volume.New("v1", "h1")
	v.SetState(volume.StateOnline)
	var w = New(store, nil, 4)

	var rw = wire.RWHeader{IONum: 7, Len: 8}
	var payload = append(rw.Encode(), []byte("ABCDEFGH")...)

	v.TakeRef()
	var writeCmd = command.New(wire.Header{Opcode: wire.OpWrite, Offset: 0, Len: uint64(len(payload))}, payload, v, 1, volume.RoleClient)
	w.Execute(context.Background(), writeCmd)
	c.Assert(writeCmd.Header.Status, gc.Equals, wire.StatusOK)
	c.Check(v.RunningIONum(), gc.Equals, uint64(7))

	v.TakeRef()
	var readCmd = command.New(wire.Header{Opcode: wire.OpRead, Offset: 0, Len: 8, Flags: wire.FlagReadMetadata}, nil, v, 1, volume.RoleClient)
	w.Execute(context.Background(), readCmd)
	c.Assert(readCmd.Header.Status, gc.Equals, wire.StatusOK)
	c.Check(bytes.Equal(readCmd.Payload, []byte("ABCDEFGH")), gc.Equals, true)
	c.Assert(len(readCmd.MetadataDesc), gc.Equals, 1)
	c.Check(readCmd.MetadataDesc[0].IONum, gc.Equals, uint64(7))

	c.Check(v.Refcount(), gc.Equals, int32(0))
}

func (s *WorkerSuite) TestSyncIsIdempotent(c *gc.C) {
	var store = newFakeStore(4096)
	var v = volume.New("v1", "h1")
	v.SetState(volume.StateOnline)
	var w = New(store, nil, 4)

	for i := 0; i < 2; i++ {
		v.TakeRef()
		var cmd = command.New(wire.Header{Opcode: wire.OpSync}, nil, v, 1, volume.RoleClient)
		w.Execute(context.Background(), cmd)
		c.Assert(cmd.Header.Status, gc.Equals, wire.StatusOK)
	}
	c.Check(store.flushes, gc.Equals, 2)
}

func (s *WorkerSuite) TestOfflineVolumeFailsImmediately(c *gc.C) {
	var store = newFakeStore(4096)
	var v = volume.New("v1", "h1")
	v.SetState(volume.StateOffline)
	v.BindAckSender(volume.RoleClient)
	var w = New(store, nil, 4)

	v.TakeRef()
	var cmd = command.New(wire.Header{Opcode: wire.OpWrite, Len: 4}, []byte{0, 0, 0, 0}, v, 1, volume.RoleClient)
	w.Execute(context.Background(), cmd)

	c.Check(cmd.Header.Status, gc.Equals, wire.StatusFailed)
	c.Check(cmd.Header.Len, gc.Equals, uint64(0))
	c.Check(v.Refcount(), gc.Equals, int32(0))

	var entry, ok = v.DequeueOrWait(context.Background(), volume.RoleClient)
	c.Assert(ok, gc.Equals, true)
	c.Check(entry, gc.Equals, QueueEntryOf(cmd))
}

func (s *WorkerSuite) TestRebuildWriteNeverAcked(c *gc.C) {
	var store = newFakeStore(4096)
	var v = volume.New("v1", "h1")
	v.SetState(volume.StateOnline)
	v.BindAckSender(volume.RoleClient)
	var w = New(store, nil, 4)

	var rw = wire.RWHeader{IONum: 3, Len: 4}
	var payload = append(rw.Encode(), []byte("DATA")...)

	v.TakeRef()
	var cmd = command.New(wire.Header{Opcode: wire.OpWrite, Flags: wire.FlagRebuild, Offset: 0, Len: uint64(len(payload))}, payload, v, 1, volume.RoleClient)
	w.Execute(context.Background(), cmd)

	c.Check(cmd.Header.Status, gc.Equals, wire.StatusOK)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var _, ok = v.DequeueOrWait(ctx, volume.RoleClient)
	c.Check(ok, gc.Equals, false) // nothing was enqueued: no ack for rebuild writes.
}

func (s *WorkerSuite) TestStoreWriteFailureStopsAtFirstRecord(c *gc.C) {
	var store = newFakeStore(4096)
	store.failWrite = true
	var v = volume.New("v1", "h1")
	v.SetState(volume.StateOnline)
	var w = New(store, nil, 4)

	var rw = wire.RWHeader{IONum: 1, Len: 4}
	var payload = append(rw.Encode(), []byte("DATA")...)

	v.TakeRef()
	var cmd = command.New(wire.Header{Opcode: wire.OpWrite, Offset: 0, Len: uint64(len(payload))}, payload, v, 1, volume.RoleClient)
	w.Execute(context.Background(), cmd)

	c.Check(cmd.Header.Status, gc.Equals, wire.StatusFailed)
	c.Check(cmd.Header.Len, gc.Equals, uint64(0))
}

// QueueEntryOf lets the test compare a *command.Command against the
// volume.QueueEntry DequeueOrWait returns without the test package
// depending on command's unexported fields.
func QueueEntryOf(c *command.Command) volume.QueueEntry { return c }
