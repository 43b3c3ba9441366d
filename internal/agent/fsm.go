package agent

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

var _ raft.FSM = (*fsm)(nil)

// fsm is the replicated state machine: it keeps track of what the log has delivered.
type fsm struct {
	mu      sync.RWMutex
	applied uint64
	index   uint64
	bytes   uint64
}

type fsmState struct {
	Applied uint64 `json:"applied"`
	Index   uint64 `json:"index"`
	Bytes   uint64 `json:"bytes"`
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	f.index = l.Index
	f.bytes += uint64(len(l.Data))
	return f.applied
}

func (f *fsm) state() fsmState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fsmState{Applied: f.applied, Index: f.index, Bytes: f.bytes}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{state: f.state()}, nil
}

func (f *fsm) Restore(r io.ReadCloser) error {
	defer r.Close()
	var s fsmState
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied, f.index, f.bytes = s.Applied, s.Index, s.Bytes
	return nil
}

type snapshot struct {
	state fsmState
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
