// Package registry implements the production volume.Registry: an
// etcd-backed watcher that decodes volume specs written under a prefix by
// the (out-of-scope) management plane into live volume.Info instances
// (spec §1: "the volume registry providing lookup and refcounting" is
// named as an external collaborator; this package is the concrete
// implementation a daemon wires in when it sources its volume set from
// etcd instead of managing it in-process via volume.InMemory).
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mittachaitu/zfs/internal/volume"
)

// Spec is the etcd-stored description of one volume this replica serves.
type Spec struct {
	Name        string `json:"name"`
	StoreHandle string `json:"store_handle"`
}

// Watcher watches an etcd prefix and maintains the corresponding set of
// volume.Info, implementing volume.Registry. It mirrors the teacher's
// KeySpace.Mu/Observers pattern (consumer/resolver.go's NewResolver,
// updateResolutions) without depending on gazette's allocator/keyspace
// packages: Watcher owns its own mutex and its own observer callback
// list, fed directly off a clientv3.WatchChan instead of a generic
// decoded keyspace.
type Watcher struct {
	client *clientv3.Client
	prefix string

	mu        sync.RWMutex
	volumes   map[string]*volume.Info
	observers []func()
}

// NewWatcher returns a Watcher over prefix. Call Start before using it as
// a volume.Registry.
func NewWatcher(client *clientv3.Client, prefix string) *Watcher {
	return &Watcher{client: client, prefix: prefix, volumes: make(map[string]*volume.Info)}
}

// Start performs the initial prefixed Get to populate current state, then
// launches a goroutine applying subsequent watch events until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	var resp, err = w.client.Get(ctx, w.prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.WithMessage(err, "registry: initial etcd get")
	}

	w.mu.Lock()
	for _, kv := range resp.Kvs {
		if spec, decodeErr := decode(kv.Value); decodeErr == nil {
			w.volumes[spec.Name] = volume.New(spec.Name, spec.StoreHandle)
		} else {
			log.WithError(decodeErr).WithField("key", string(kv.Key)).Warn("registry: skipping undecodable spec")
		}
	}
	w.mu.Unlock()

	go w.watch(ctx, resp.Header.Revision+1)
	return nil
}

// Observe registers fn to run after every applied watch event, mirroring
// the teacher's KeySpace.Observers callback list.
func (w *Watcher) Observe(fn func()) {
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

func (w *Watcher) watch(ctx context.Context, fromRevision int64) {
	var watchChan = w.client.Watch(ctx, w.prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRevision))
	for resp := range watchChan {
		if resp.Err() != nil {
			log.WithError(resp.Err()).Error("registry: watch channel closed with error")
			return
		}
		for _, ev := range resp.Events {
			w.apply(ev)
		}
	}
}

func (w *Watcher) apply(ev *clientv3.Event) {
	w.mu.Lock()
	switch ev.Type {
	case clientv3.EventTypePut:
		if spec, err := decode(ev.Kv.Value); err == nil {
			if existing, ok := w.volumes[spec.Name]; ok {
				if existing.StoreHandle != volume.StoreHandleHolder(spec.StoreHandle) {
					log.WithField("volume", spec.Name).Warn("registry: ignoring store_handle change on a live volume")
				}
			} else {
				w.volumes[spec.Name] = volume.New(spec.Name, spec.StoreHandle)
			}
		} else {
			log.WithError(err).WithField("key", string(ev.Kv.Key)).Warn("registry: skipping undecodable spec")
		}
	case clientv3.EventTypeDelete:
		delete(w.volumes, nameFromKey(string(ev.Kv.Key), w.prefix))
	}
	var observers = append([]func(){}, w.observers...)
	w.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// Lookup implements volume.Registry.
func (w *Watcher) Lookup(name string) (*volume.Info, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var v, ok = w.volumes[name]
	if !ok {
		return nil, volume.ErrNotFound
	}
	return v, nil
}

// Range implements volume.Registry, snapshotting under lock per spec §5's
// "no blocking calls under the registry lock" rule.
func (w *Watcher) Range(fn func(*volume.Info) bool) {
	w.mu.RLock()
	var snapshot = make([]*volume.Info, 0, len(w.volumes))
	for _, v := range w.volumes {
		snapshot = append(snapshot, v)
	}
	w.mu.RUnlock()

	for _, v := range snapshot {
		if !fn(v) {
			return
		}
	}
}

func decode(data []byte) (Spec, error) {
	var s Spec
	var err = json.Unmarshal(data, &s)
	return s, err
}

func nameFromKey(key, prefix string) string {
	if len(key) < len(prefix) {
		return key
	}
	return key[len(prefix):]
}
