package storeserver

import (
	"strings"
	"sync"

	"github.com/stackfall/stackfall/internal/store"
)

// dispatcher fans path changes out to watch streams. Each stream owns a
// buffered outbound channel; a full channel drops the event rather than
// blocking the writer, and the next change on the path carries a fresh
// snapshot.
type dispatcher struct {
	mu      sync.RWMutex
	streams map[int64]*watchStream
	nextID  int64
}

type watchStream struct {
	id       int64
	clientID string
	outbound chan store.WatchEvent

	mu    sync.Mutex
	subs  map[int64]watchSubscription
	hooks []store.DisconnectOp
}

type watchSubscription struct {
	sub      int64
	path     string
	children bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{streams: make(map[int64]*watchStream)}
}

func (d *dispatcher) register(clientID string) *watchStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	stream := &watchStream{
		id:       d.nextID,
		clientID: clientID,
		outbound: make(chan store.WatchEvent, 64),
		subs:     make(map[int64]watchSubscription),
	}
	d.streams[stream.id] = stream
	return stream
}

func (d *dispatcher) unregister(streamID int64) {
	d.mu.Lock()
	delete(d.streams, streamID)
	d.mu.Unlock()
}

// publish delivers the change at path to every covering subscription.
// Event payloads are resolved once per unique watch target via the lookup
// callbacks, which run under the service write lock so queued events
// reflect write order.
func (d *dispatcher) publish(changed string, lookupChildren func(path string) store.Snapshot, lookupDoc func(path string) ([]byte, bool)) {
	d.mu.RLock()
	streams := make([]*watchStream, 0, len(d.streams))
	for _, stream := range d.streams {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	snapshots := make(map[string]store.Snapshot)
	for _, stream := range streams {
		stream.mu.Lock()
		subs := make([]watchSubscription, 0, len(stream.subs))
		for _, sub := range stream.subs {
			subs = append(subs, sub)
		}
		stream.mu.Unlock()

		for _, sub := range subs {
			if sub.children {
				if !strings.HasPrefix(changed, sub.path+"/") {
					continue
				}
				snapshot, ok := snapshots[sub.path]
				if !ok {
					snapshot = lookupChildren(sub.path)
					snapshots[sub.path] = snapshot
				}
				stream.send(store.WatchEvent{Sub: sub.sub, Path: sub.path, Snapshot: snapshot})
				continue
			}
			if changed != sub.path {
				continue
			}
			doc, exists := lookupDoc(sub.path)
			stream.send(store.WatchEvent{Sub: sub.sub, Path: sub.path, Doc: doc, Deleted: !exists})
		}
	}
}

func (s *watchStream) send(event store.WatchEvent) {
	select {
	case s.outbound <- event:
	default:
	}
}

func (s *watchStream) addSubscription(sub watchSubscription) {
	s.mu.Lock()
	s.subs[sub.sub] = sub
	s.mu.Unlock()
}

func (s *watchStream) removeSubscription(sub int64) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *watchStream) addHook(op store.DisconnectOp) {
	s.mu.Lock()
	s.hooks = append(s.hooks, op)
	s.mu.Unlock()
}

func (s *watchStream) takeHooks() []store.DisconnectOp {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	return hooks
}
