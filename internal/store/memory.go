package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Memory is the in-process shared database backing tests and solo play.
// Multiple sessions opened against one Memory see each other's writes, so
// two coordinators in one process exercise the same reconciliation paths as
// a real cluster. Notification fan-out follows the dispatcher model: each
// watcher drains its own FIFO queue on its own goroutine, which preserves
// per-path write order without ever blocking a writer.
type Memory struct {
	mu          sync.Mutex
	docs        map[string]json.RawMessage
	watchers    map[int64]*memoryWatcher
	nextWatcher int64
}

// NewMemory returns an empty in-process database.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]json.RawMessage),
		watchers: make(map[int64]*memoryWatcher),
	}
}

// Open starts a new client session against the shared database.
func (m *Memory) Open() *MemorySession {
	return &MemorySession{db: m}
}

type memoryWatcher struct {
	id       int64
	path     string
	children bool

	childHandler ChildHandler
	docHandler   DocHandler

	queueMu sync.Mutex
	queue   []watchPayload
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

type watchPayload struct {
	snapshot Snapshot
	doc      json.RawMessage
}

func (w *memoryWatcher) enqueue(payload watchPayload) {
	w.queueMu.Lock()
	w.queue = append(w.queue, payload)
	w.queueMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.queueMu.Lock()
			if len(w.queue) == 0 {
				w.queueMu.Unlock()
				break
			}
			payload := w.queue[0]
			w.queue = w.queue[1:]
			w.queueMu.Unlock()

			if w.children {
				w.childHandler(payload.snapshot)
			} else {
				w.docHandler(payload.doc)
			}
		}
	}
}

func (w *memoryWatcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (m *Memory) getDoc(path string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRaw(m.docs[path])
}

func (m *Memory) getChildren(path string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childrenLocked(path)
}

func (m *Memory) childrenLocked(path string) Snapshot {
	prefix := path + "/"
	snapshot := make(Snapshot)
	for docPath, doc := range m.docs {
		if !strings.HasPrefix(docPath, prefix) {
			continue
		}
		key := docPath[len(prefix):]
		if strings.Contains(key, "/") {
			continue
		}
		snapshot[key] = cloneRaw(doc)
	}
	return snapshot
}

func (m *Memory) set(path string, doc json.RawMessage) {
	m.mu.Lock()
	m.docs[path] = cloneRaw(doc)
	m.notifyLocked(path)
	m.mu.Unlock()
}

func (m *Memory) update(path string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := MergeFields(m.docs[path], fields)
	if err != nil {
		return err
	}
	m.docs[path] = merged
	m.notifyLocked(path)
	return nil
}

func (m *Memory) delete(path string) {
	m.mu.Lock()
	delete(m.docs, path)
	prefix := path + "/"
	for docPath := range m.docs {
		if strings.HasPrefix(docPath, prefix) {
			delete(m.docs, docPath)
		}
	}
	m.notifyLocked(path)
	m.mu.Unlock()
}

// notifyLocked fans the change at path out to every covering watcher.
// Snapshots are computed under the lock so queued payloads reflect write
// order.
func (m *Memory) notifyLocked(changed string) {
	for _, watcher := range m.watchers {
		if watcher.children {
			if strings.HasPrefix(changed, watcher.path+"/") {
				watcher.enqueue(watchPayload{snapshot: m.childrenLocked(watcher.path)})
			}
			continue
		}
		if changed == watcher.path {
			watcher.enqueue(watchPayload{doc: cloneRaw(m.docs[watcher.path])})
		}
	}
}

func (m *Memory) watch(path string, children bool, childHandler ChildHandler, docHandler DocHandler) func() {
	m.mu.Lock()
	m.nextWatcher++
	watcher := &memoryWatcher{
		id:           m.nextWatcher,
		path:         path,
		children:     children,
		childHandler: childHandler,
		docHandler:   docHandler,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	m.watchers[watcher.id] = watcher
	if children {
		watcher.enqueue(watchPayload{snapshot: m.childrenLocked(path)})
	} else {
		watcher.enqueue(watchPayload{doc: cloneRaw(m.docs[path])})
	}
	m.mu.Unlock()

	go watcher.run()

	return func() {
		m.mu.Lock()
		delete(m.watchers, watcher.id)
		m.mu.Unlock()
		watcher.stop()
	}
}

func (m *Memory) applyDisconnectOp(op DisconnectOp) {
	switch op.Action {
	case DisconnectDelete:
		m.delete(op.Path)
	case DisconnectUpdate:
		_ = m.update(op.Path, op.Fields)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// MemorySession is one client's session against a Memory database.
type MemorySession struct {
	db *Memory

	mu      sync.Mutex
	hooks   []DisconnectOp
	cancels []func()
	closed  bool
}

var _ Store = (*MemorySession)(nil)

// GetDoc reads the document at a path; nil when absent.
func (s *MemorySession) GetDoc(_ context.Context, path string) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.db.getDoc(path), nil
}

// GetChildren reads every immediate child document under a path.
func (s *MemorySession) GetChildren(_ context.Context, path string) (Snapshot, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.db.getChildren(path), nil
}

// Set replaces the document at a path.
func (s *MemorySession) Set(_ context.Context, path string, doc interface{}) error {
	if s.isClosed() {
		return ErrClosed
	}
	raw, err := MarshalDoc(doc)
	if err != nil {
		return err
	}
	s.db.set(path, raw)
	return nil
}

// Update merges fields into the document at a path.
func (s *MemorySession) Update(_ context.Context, path string, fields map[string]interface{}) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.update(path, fields)
}

// Delete removes the document at a path and everything beneath it.
func (s *MemorySession) Delete(_ context.Context, path string) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.db.delete(path)
	return nil
}

// WatchChildren subscribes to the child set under a path.
func (s *MemorySession) WatchChildren(_ context.Context, path string, handler ChildHandler) (func(), error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	cancel := s.db.watch(path, true, handler, nil)
	s.trackCancel(cancel)
	return cancel, nil
}

// WatchDoc subscribes to the single document at a path.
func (s *MemorySession) WatchDoc(_ context.Context, path string, handler DocHandler) (func(), error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	cancel := s.db.watch(path, false, nil, handler)
	s.trackCancel(cancel)
	return cancel, nil
}

// OnDisconnect registers a cleanup operation to run when this session closes.
func (s *MemorySession) OnDisconnect(_ context.Context, op DisconnectOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.hooks = append(s.hooks, op)
	return nil
}

// Close cancels every watch and fires the registered disconnect operations.
func (s *MemorySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hooks := s.hooks
	cancels := s.cancels
	s.hooks = nil
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, hook := range hooks {
		s.db.applyDisconnectOp(hook)
	}
	return nil
}

func (s *MemorySession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemorySession) trackCancel(cancel func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}
