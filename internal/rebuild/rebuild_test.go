package rebuild

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	gc "github.com/go-check/check"

	"github.com/mittachaitu/zfs/internal/volume"
	"github.com/mittachaitu/zfs/internal/worker"
)

func Test(t *testing.T) { gc.TestingT(t) }

type RebuildSuite struct{}

var _ = gc.Suite(&RebuildSuite{})

// fakeStore is a minimal volume.Store fake; diffBlocks is served verbatim
// by GetIODiff regardless of since, standing in for a real diff scan.
type fakeStore struct {
	img        []byte
	diffBlocks []volume.DiffBlock
	failStep   bool
}

func (f *fakeStore) Read(ctx context.Context, h volume.StoreHandle, buf []byte, offset, length uint64, wantMetadata bool) ([]volume.MetadataRecord, error) {
	copy(buf, f.img[offset:offset+length])
	if !wantMetadata {
		return nil, nil
	}
	for _, b := range f.diffBlocks {
		if b.Offset == offset {
			return []volume.MetadataRecord{{Offset: offset, Len: length, IONum: b.IONum}}, nil
		}
	}
	return []volume.MetadataRecord{{Offset: offset, Len: length, IONum: 0}}, nil
}

func (f *fakeStore) Write(ctx context.Context, h volume.StoreHandle, data []byte, offset uint64, ioNum uint64, isRebuild bool) error {
	if need := offset + uint64(len(data)); uint64(len(f.img)) < need {
		var grown = make([]byte, need)
		copy(grown, f.img)
		f.img = grown
	}
	copy(f.img[offset:], data)
	return nil
}

func (f *fakeStore) Flush(ctx context.Context, h volume.StoreHandle) error { return nil }

func (f *fakeStore) GetIODiff(ctx context.Context, h volume.StoreHandle, since, offset, length uint64, cb func(volume.DiffBlock) error) error {
	if f.failStep {
		return errBoom
	}
	for _, b := range f.diffBlocks {
		if b.Offset >= offset && b.Offset < offset+length {
			if err := cb(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeStore) StoreLastCommittedIO(ctx context.Context, h volume.StoreHandle, ioNum uint64) error {
	return nil
}

func (f *fakeStore) Size(ctx context.Context, h volume.StoreHandle) (uint64, error) {
	return uint64(len(f.img)), nil
}

type boom struct{}

func (boom) Error() string { return "boom" }

var errBoom = boom{}

// TestFullRebuildCopiesDonorImage runs a donor Scanner and a recipient Run
// end to end over a net.Pipe() connection and checks the recipient's store
// ends up byte-identical to the donor's.
func (s *RebuildSuite) TestFullRebuildCopiesDonorImage(c *gc.C) {
	var donorImg = []byte("HELLOWORLD123456")
	var donorStore = &fakeStore{
		img:        append([]byte(nil), donorImg...),
		diffBlocks: []volume.DiffBlock{{Offset: 0, Len: uint64(len(donorImg)), IONum: 42}},
	}
	var donorVolume = volume.New("v1", "donor-handle")
	donorVolume.SetState(volume.StateOnline)
	var donorRegistry = volume.NewInMemory()
	donorRegistry.Put(donorVolume)
	var donorWorker = worker.New(donorStore, nil, 4)

	var recipientStore = &fakeStore{img: make([]byte, len(donorImg))}
	var recipientVolume = volume.New("v1", "recipient-handle")
	recipientVolume.SetState(volume.StateOnline)
	recipientVolume.SetRebuildCount(1)
	var recipientWorker = worker.New(recipientStore, nil, 4)

	var clientConn, serverConn = net.Pipe()
	var scanner = NewScanner(serverConn, donorRegistry, donorStore, donorWorker)

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go scanner.Serve(ctx)

	recipientVolume.TakeRef()
	var err = Run(ctx, RecipientConfig{
		Volume:    recipientVolume,
		DonorAddr: "unused",
		Store:     recipientStore,
		Worker:    recipientWorker,
		Dial:      func(network, address string) (net.Conn, error) { return clientConn, nil },
	})
	c.Assert(err, gc.IsNil)
	c.Check(bytes.Equal(recipientStore.img, donorImg), gc.Equals, true)
	c.Check(recipientVolume.RebuildStatus(), gc.Equals, volume.RebuildDone)
	c.Check(recipientVolume.HealthStatus(), gc.Equals, volume.HealthHealthy)
	c.Check(recipientVolume.Refcount(), gc.Equals, int32(0))
}

// TestRebuildAbortsOnDonorScanFailure checks that a donor-side scan error
// makes the donor close the connection, that the recipient aborts on the
// resulting read error, and that the volume's rebuild status/health
// reflect the failure (spec invariant 5).
func (s *RebuildSuite) TestRebuildAbortsOnDonorScanFailure(c *gc.C) {
	var donorStore = &fakeStore{img: make([]byte, 16), failStep: true}
	var donorVolume = volume.New("v1", "donor-handle")
	donorVolume.SetState(volume.StateOnline)
	var donorRegistry = volume.NewInMemory()
	donorRegistry.Put(donorVolume)
	var donorWorker = worker.New(donorStore, nil, 4)

	var recipientStore = &fakeStore{img: make([]byte, 16)}
	var recipientVolume = volume.New("v1", "recipient-handle")
	recipientVolume.SetState(volume.StateOnline)
	recipientVolume.SetRebuildCount(1)
	var recipientWorker = worker.New(recipientStore, nil, 4)

	var clientConn, serverConn = net.Pipe()
	var scanner = NewScanner(serverConn, donorRegistry, donorStore, donorWorker)

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go scanner.Serve(ctx)

	recipientVolume.TakeRef()
	var err = Run(ctx, RecipientConfig{
		Volume:    recipientVolume,
		DonorAddr: "unused",
		Store:     recipientStore,
		Worker:    recipientWorker,
		Dial:      func(network, address string) (net.Conn, error) { return clientConn, nil },
	})
	c.Assert(err, gc.NotNil)
	c.Check(recipientVolume.RebuildStatus(), gc.Equals, volume.RebuildFailed)
	c.Check(recipientVolume.HealthStatus(), gc.Equals, volume.HealthDegraded)
}
