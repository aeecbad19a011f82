package raftnode

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"

	"reprapctl/internal/model"
)

const (
	opPutSettings = "put_settings"
	opPutJob      = "put_job"
)

// Command is the replicated log entry.
type Command struct {
	Op       string
	Settings *model.Settings
	Job      *model.JobRecord
}

// KVStore is the FSM holding panel settings and the job journal.
type KVStore struct {
	mu          sync.RWMutex
	settings    model.Settings
	hasSettings bool
	jobs        map[string]model.JobRecord
}

// storeState is the gob form of a snapshot.
type storeState struct {
	Settings    model.Settings
	HasSettings bool
	Jobs        map[string]model.JobRecord
}

func NewKVStore() *KVStore {
	return &KVStore{jobs: make(map[string]model.JobRecord)}
}

// Apply applies a Raft log entry. The return value is the command's error,
// or nil.
func (kv *KVStore) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch cmd.Op {
	case opPutSettings:
		if cmd.Settings == nil {
			return fmt.Errorf("%s: missing settings", cmd.Op)
		}
		kv.settings = *cmd.Settings
		kv.hasSettings = true
	case opPutJob:
		if cmd.Job == nil || cmd.Job.ID == "" {
			return fmt.Errorf("%s: missing job", cmd.Op)
		}
		next := *cmd.Job
		if prev, ok := kv.jobs[next.ID]; ok {
			if !prev.Status.CanTransition(next.Status) {
				return fmt.Errorf("job %s: invalid status transition %s -> %s", next.ID, prev.Status, next.Status)
			}
		} else if next.Status != model.JobQueued && next.Status != model.JobRunning {
			return fmt.Errorf("job %s: cannot start as %s", next.ID, next.Status)
		}
		kv.jobs[next.ID] = next
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
	return nil
}

func (kv *KVStore) Settings() (model.Settings, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.settings, kv.hasSettings
}

// Jobs returns the journal, newest first.
func (kv *KVStore) Jobs() []model.JobRecord {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	list := make([]model.JobRecord, 0, len(kv.jobs))
	for _, j := range kv.jobs {
		list = append(list, j)
	}
	sort.Slice(list, func(a, b int) bool {
		if list[a].StartedAt.Equal(list[b].StartedAt) {
			return list[a].ID > list[b].ID
		}
		return list[a].StartedAt.After(list[b].StartedAt)
	})
	return list
}

// Snapshot returns a snapshot of the store.
func (kv *KVStore) Snapshot() (raft.FSMSnapshot, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	st := storeState{
		Settings:    kv.settings,
		HasSettings: kv.hasSettings,
		Jobs:        make(map[string]model.JobRecord, len(kv.jobs)),
	}
	for k, v := range kv.jobs {
		st.Jobs[k] = v
	}
	return &kvSnapshot{state: st}, nil
}

// Restore replaces the store with a previous snapshot.
func (kv *KVStore) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()
	var st storeState
	if err := gob.NewDecoder(snapshot).Decode(&st); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if st.Jobs == nil {
		st.Jobs = make(map[string]model.JobRecord)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.settings = st.Settings
	kv.hasSettings = st.HasSettings
	kv.jobs = st.Jobs
	return nil
}

type kvSnapshot struct {
	state storeState
}

func (s *kvSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := gobEncode(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *kvSnapshot) Release() {}

func gobEncode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(data)
	return buf.Bytes(), err
}
