// Package devstore is a minimal in-memory VolumeStore, provided only so
// cmd/replica-engine can run standalone without a real ZFS backend wired
// in. It satisfies internal/volume.Store but makes none of the
// durability or performance claims a production block-store engine would
// (the block-store engine itself is explicitly out of scope, per the
// core's own VolumeStore doc comment) — treat this the way database/sql
// treats a driver that's present only for local testing.
package devstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/mittachaitu/zfs/internal/volume"
)

type handle string

type volumeImage struct {
	mu   sync.RWMutex
	data []byte
	log  []volume.DiffBlock // append-only write history, newest last
}

// Store holds one in-memory image per volume name, keyed by the
// StoreHandle values it hands out from Create.
type Store struct {
	mu     sync.Mutex
	images map[handle]*volumeImage
}

// New returns an empty Store.
func New() *Store {
	return &Store{images: make(map[handle]*volumeImage)}
}

// Create allocates a zero-filled image of the given size and returns the
// StoreHandle a volume.Info should be constructed with.
func (s *Store) Create(name string, size uint64) volume.StoreHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h = handle(name)
	s.images[h] = &volumeImage{data: make([]byte, size)}
	return h
}

func (s *Store) image(h volume.StoreHandle) (*volumeImage, error) {
	var key, ok = h.(handle)
	if !ok {
		return nil, errors.Errorf("devstore: handle %v not recognized", h)
	}
	s.mu.Lock()
	var img = s.images[key]
	s.mu.Unlock()
	if img == nil {
		return nil, errors.Errorf("devstore: no image for handle %v", h)
	}
	return img, nil
}

func (s *Store) Read(ctx context.Context, h volume.StoreHandle, buf []byte, offset, length uint64, wantMetadata bool) ([]volume.MetadataRecord, error) {
	var img, err = s.image(h)
	if err != nil {
		return nil, err
	}
	img.mu.RLock()
	defer img.mu.RUnlock()

	if offset+length > uint64(len(img.data)) {
		return nil, errors.Errorf("devstore: read [%d,%d) out of bounds (size %d)", offset, offset+length, len(img.data))
	}
	copy(buf, img.data[offset:offset+length])

	if !wantMetadata {
		return nil, nil
	}
	var out []volume.MetadataRecord
	for _, b := range img.log {
		if overlaps(b.Offset, b.Len, offset, length) {
			out = append(out, volume.MetadataRecord{Offset: b.Offset, Len: b.Len, IONum: b.IONum})
		}
	}
	return out, nil
}

func (s *Store) Write(ctx context.Context, h volume.StoreHandle, data []byte, offset, ioNum uint64, isRebuild bool) error {
	var img, err = s.image(h)
	if err != nil {
		return err
	}
	img.mu.Lock()
	defer img.mu.Unlock()

	if offset+uint64(len(data)) > uint64(len(img.data)) {
		return errors.Errorf("devstore: write [%d,%d) out of bounds (size %d)", offset, offset+uint64(len(data)), len(img.data))
	}
	copy(img.data[offset:], data)
	img.log = append(img.log, volume.DiffBlock{Offset: offset, Len: uint64(len(data)), IONum: ioNum})
	return nil
}

func (s *Store) Flush(ctx context.Context, h volume.StoreHandle) error {
	var _, err = s.image(h)
	return err
}

func (s *Store) GetIODiff(ctx context.Context, h volume.StoreHandle, since, offset, length uint64, cb func(volume.DiffBlock) error) error {
	var img, err = s.image(h)
	if err != nil {
		return err
	}
	img.mu.RLock()
	var due []volume.DiffBlock
	for _, b := range img.log {
		if b.IONum > since && overlaps(b.Offset, b.Len, offset, length) {
			due = append(due, b)
		}
	}
	img.mu.RUnlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].Offset < due[j].Offset })

	for _, b := range due {
		if err := cb(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) StoreLastCommittedIO(ctx context.Context, h volume.StoreHandle, ioNum uint64) error {
	var _, err = s.image(h)
	return err
}

func (s *Store) Size(ctx context.Context, h volume.StoreHandle) (uint64, error) {
	var img, err = s.image(h)
	if err != nil {
		return 0, err
	}
	img.mu.RLock()
	defer img.mu.RUnlock()
	return uint64(len(img.data)), nil
}

func overlaps(aOff, aLen, bOff, bLen uint64) bool {
	return aOff < bOff+bLen && bOff < aOff+aLen
}
