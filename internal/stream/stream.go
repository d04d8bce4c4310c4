// Package stream implements per-task live stream registration: a bounded
// history ring plus a live subscriber set, and SSE client delivery. Grounded
// on the teacher's gateway SSE handler shape (subscribe, loop on context
// done / channel, flush per frame) extended with the history-ring/byte-cap
// accounting the teacher's handler did not need.
package stream

import (
	"fmt"
	"sync"
)

// HistCap is the history byte cap, including SSE frame overhead.
const HistCap = 2 * 1024 * 1024

// ChatStreamID is the reserved task id carrying chat-event (phase-result)
// frames: the source for the chat-event SSE endpoint, distinct from any
// real task's own output stream.
const ChatStreamID int64 = 0

// frameOverhead is the exact number of bytes the SSE envelope
// "data: " + line + "\n\n" adds beyond the line itself.
const frameOverhead = 8

// Sink is a live client's delivery target. Implementations are expected to
// be a thin wrapper over an http.ResponseWriter + http.Flusher.
type Sink interface {
	// Write delivers one already-framed SSE chunk. A non-nil error causes
	// the sink to be removed from the client set.
	Write(frame string) error
}

// taskStream holds one task's bounded history and live subscriber set.
type taskStream struct {
	mu      sync.Mutex
	history []byte
	clients map[int]Sink
	nextID  int
}

func newTaskStream() *taskStream {
	return &taskStream{clients: make(map[int]Sink)}
}

// FanOut owns every task's stream, keyed by task id.
type FanOut struct {
	mu      sync.Mutex
	streams map[int64]*taskStream
}

// NewFanOut constructs an empty fan-out registry.
func NewFanOut() *FanOut {
	return &FanOut{streams: make(map[int64]*taskStream)}
}

func frame(line string) string {
	return "data: " + line + "\n\n"
}

// Broadcast pushes one line into a task's history (subject to the byte cap)
// and delivers the frame to every live client regardless of the history
// decision. Writes to a closed/absent task-stream entry are silent no-ops
// only in the sense that Broadcast always succeeds; it lazily creates the
// stream entry if none exists yet.
func (f *FanOut) Broadcast(taskID int64, line string) {
	ts := f.getOrCreate(taskID)
	frm := frame(line)

	ts.mu.Lock()
	if len(ts.history)+len(frm) < HistCap {
		ts.history = append(ts.history, frm...)
	}
	clients := make(map[int]Sink, len(ts.clients))
	for id, c := range ts.clients {
		clients[id] = c
	}
	ts.mu.Unlock()

	for id, c := range clients {
		if err := c.Write(frm); err != nil {
			f.removeClient(taskID, id)
		}
	}
}

func (f *FanOut) getOrCreate(taskID int64) *taskStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.streams[taskID]
	if !ok {
		ts = newTaskStream()
		f.streams[taskID] = ts
	}
	return ts
}

// Subscribe replays the existing history to sink, then attaches it to the
// live feed. Returns an unsubscribe function.
func (f *FanOut) Subscribe(taskID int64, sink Sink) (unsubscribe func(), err error) {
	ts := f.getOrCreate(taskID)

	ts.mu.Lock()
	historySnapshot := string(ts.history)
	id := ts.nextID
	ts.nextID++
	ts.clients[id] = sink
	ts.mu.Unlock()

	if historySnapshot != "" {
		if werr := sink.Write(historySnapshot); werr != nil {
			f.removeClient(taskID, id)
			return func() {}, fmt.Errorf("replay history: %w", werr)
		}
	}
	return func() { f.removeClient(taskID, id) }, nil
}

func (f *FanOut) removeClient(taskID int64, clientID int) {
	f.mu.Lock()
	ts, ok := f.streams[taskID]
	f.mu.Unlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	delete(ts.clients, clientID)
	ts.mu.Unlock()
}

// HistoryLen returns the current history buffer length for a task, 0 if the
// task has no stream yet. Exposed for tests and diagnostics.
func (f *FanOut) HistoryLen(taskID int64) int {
	f.mu.Lock()
	ts, ok := f.streams[taskID]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.history)
}

// Forget drops a task's stream entirely, e.g. once it reaches a terminal
// status and no further output is expected.
func (f *FanOut) Forget(taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, taskID)
}
