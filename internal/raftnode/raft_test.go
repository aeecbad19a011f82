package raftnode

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reprapctl/internal/model"
)

func newInmemNode(t *testing.T) *Node {
	t.Helper()
	conf := raft.DefaultConfig()
	conf.LocalID = "test"
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond
	conf.CommitTimeout = 5 * time.Millisecond
	conf.Logger = hclog.NewNullLogger()

	store := raft.NewInmemStore()
	_, trans := raft.NewInmemTransport("")
	n, err := newNode(conf, store, store, raft.NewInmemSnapshotStore(), trans, true, model.DefaultSettings(), hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.WaitForLeader(ctx))
	return n
}

func TestNode_SettingsRoundTrip(t *testing.T) {
	n := newInmemNode(t)
	assert.Equal(t, model.DefaultSettings(), n.Settings(), "seed until written")

	s := model.DefaultSettings()
	s.LayerHeight = 0.3
	s.SuppressPlainAck = true
	require.NoError(t, n.PutSettings(s))
	assert.Equal(t, s, n.Settings())

	s.LayerHeight = -1
	assert.Error(t, n.PutSettings(s))
	assert.Equal(t, 0.3, n.Settings().LayerHeight)
}

func TestNode_JobJournal(t *testing.T) {
	n := newInmemNode(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := model.JobRecord{ID: "cube.g-1", Name: "cube.g", Mode: model.StoreOnly, TotalLines: 10, Status: model.JobRunning, StartedAt: start}
	require.NoError(t, n.RecordJob(rec))

	rec.Status = model.JobDone
	rec.SentLines = 10
	rec.Duration = time.Minute
	require.NoError(t, n.RecordJob(rec))

	rec.Status = model.JobRunning
	assert.ErrorContains(t, n.RecordJob(rec), "invalid status transition")

	later := model.JobRecord{ID: "b-2", Name: "b.gcode", Mode: model.DirectPrint, Status: model.JobRunning, StartedAt: start.Add(time.Hour)}
	require.NoError(t, n.RecordJob(later))

	jobs := n.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "b-2", jobs[0].ID, "newest first")
	assert.Equal(t, model.JobDone, jobs[1].Status)
	assert.Equal(t, time.Minute, jobs[1].Duration)

	assert.NotEmpty(t, n.Stats())
}

func TestKVStore_RejectsFinishedNewJob(t *testing.T) {
	kv := NewKVStore()
	data, err := gobEncode(Command{Op: opPutJob, Job: &model.JobRecord{ID: "x", Status: model.JobDone}})
	require.NoError(t, err)
	resp := kv.Apply(&raft.Log{Data: data})
	assert.ErrorContains(t, resp.(error), "cannot start as Done")
}

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { return nil }

func TestKVStore_SnapshotRestore(t *testing.T) {
	kv := NewKVStore()
	settings := model.DefaultSettings()
	settings.HalfStepJog = true
	for _, cmd := range []Command{
		{Op: opPutSettings, Settings: &settings},
		{Op: opPutJob, Job: &model.JobRecord{ID: "a", Status: model.JobQueued}},
	} {
		data, err := gobEncode(cmd)
		require.NoError(t, err)
		require.Nil(t, kv.Apply(&raft.Log{Data: data}))
	}

	snap, err := kv.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	restored := NewKVStore()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	got, ok := restored.Settings()
	assert.True(t, ok)
	assert.True(t, got.HalfStepJog)
	require.Len(t, restored.Jobs(), 1)
	assert.Equal(t, model.JobQueued, restored.Jobs()[0].Status)
}
