package master

import (
	"context"
	"sort"
	"sync"

	"yqhp/dcf/internal/rpc"
	"yqhp/dcf/pkg/types"
)

// worker is one live-table record.
type worker struct {
	info    types.WorkerInfo
	session *rpc.Session
}

// WorkerTable is the master's table of live workers. A worker is listed
// only after its handshake finished, and only while its session is open.
type WorkerTable struct {
	workers map[string]*worker
	mu      sync.RWMutex

	subscribers []chan types.WorkerEvent
	subMu       sync.RWMutex
}

// NewWorkerTable creates an empty table.
func NewWorkerTable() *WorkerTable {
	return &WorkerTable{
		workers:     make(map[string]*worker),
		subscribers: make([]chan types.WorkerEvent, 0),
	}
}

// insertIfOpen lists w unless its session has already closed.
func (t *WorkerTable) insertIfOpen(w *worker) bool {
	t.mu.Lock()
	if w.session != nil && w.session.Closed() {
		t.mu.Unlock()
		return false
	}
	t.workers[w.info.WorkerID] = w
	t.mu.Unlock()

	t.notifyEvent(types.WorkerEvent{Type: types.WorkerEventJoined, Worker: w.info})
	return true
}

// remove deletes the record of workerID if it still belongs to sess.
func (t *WorkerTable) remove(workerID string, sess *rpc.Session) bool {
	t.mu.Lock()
	w, ok := t.workers[workerID]
	if !ok || w.session != sess {
		t.mu.Unlock()
		return false
	}
	delete(t.workers, workerID)
	t.mu.Unlock()

	t.notifyEvent(types.WorkerEvent{Type: types.WorkerEventLeft, Worker: w.info})
	return true
}

func (t *WorkerTable) get(workerID string) (*worker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.workers[workerID]
	return w, ok
}

func (t *WorkerTable) sessions() []*rpc.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*rpc.Session, 0, len(t.workers))
	for _, w := range t.workers {
		out = append(out, w.session)
	}
	return out
}

// Get returns the record of workerID.
func (t *WorkerTable) Get(workerID string) (types.WorkerInfo, bool) {
	w, ok := t.get(workerID)
	if !ok {
		return types.WorkerInfo{}, false
	}
	return w.info, true
}

// List returns a snapshot of the table sorted by worker id.
func (t *WorkerTable) List() []types.WorkerInfo {
	t.mu.RLock()
	result := make([]types.WorkerInfo, 0, len(t.workers))
	for _, w := range t.workers {
		result = append(result, w.info)
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].WorkerID < result[j].WorkerID })
	return result
}

// Count returns the number of live workers.
func (t *WorkerTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.workers)
}

// Watch streams join and leave events until ctx is done. Slow readers miss
// events rather than block the table.
func (t *WorkerTable) Watch(ctx context.Context) <-chan types.WorkerEvent {
	ch := make(chan types.WorkerEvent, 100)

	t.subMu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.subMu.Unlock()

	go func() {
		<-ctx.Done()
		t.removeSubscriber(ch)
		close(ch)
	}()

	return ch
}

func (t *WorkerTable) notifyEvent(event types.WorkerEvent) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()

	for _, ch := range t.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (t *WorkerTable) removeSubscriber(ch chan types.WorkerEvent) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for i, sub := range t.subscribers {
		if sub == ch {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			break
		}
	}
}
