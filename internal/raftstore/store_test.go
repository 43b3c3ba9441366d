package raftstore

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"github.com/ttaaoo/statelog/internal/log"
)

func TestStore(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, s *Store){
		"store and get logs":               testStoreGet,
		"empty store reports zero indexes": testEmpty,
		"conflicting log replaces suffix":  testConflict,
		"gap restarts the log":             testGap,
		"delete suffix":                    testDeleteSuffix,
		"delete prefix compacts":           testDeletePrefix,
		"delete everything":                testDeleteAll,
	} {
		t.Run(scenario, func(t *testing.T) {
			c := log.DefaultConfig(t.TempDir()).WithSegmentSize(256).WithMaxSegments(2)
			s, err := New(c)
			require.NoError(t, err)
			defer s.Close()
			fn(t, s)
		})
	}
}

func raftLogs(from, to, term uint64) []*raft.Log {
	var logs []*raft.Log
	for i := from; i <= to; i++ {
		logs = append(logs, &raft.Log{
			Index: i,
			Term:  term,
			Type:  raft.LogCommand,
			Data:  []byte(fmt.Sprintf("command %d", i)),
		})
	}
	return logs
}

func requireRange(t *testing.T, s *Store, first, last uint64) {
	t.Helper()
	got, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, first, got)
	got, err = s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, last, got)
}

func testStoreGet(t *testing.T, s *Store) {
	require.NoError(t, s.StoreLogs(raftLogs(1, 10, 1)))
	require.NoError(t, s.StoreLog(raftLogs(11, 11, 2)[0]))
	requireRange(t, s, 1, 11)

	for i := uint64(1); i <= 11; i++ {
		var l raft.Log
		require.NoError(t, s.GetLog(i, &l))
		require.Equal(t, i, l.Index)
		require.Equal(t, raft.LogCommand, l.Type)
		require.Equal(t, []byte(fmt.Sprintf("command %d", i)), l.Data)
	}
	var l raft.Log
	require.NoError(t, s.GetLog(11, &l))
	require.Equal(t, uint64(2), l.Term)
	require.ErrorIs(t, s.GetLog(12, &l), raft.ErrLogNotFound)
	require.ErrorIs(t, s.GetLog(0, &l), raft.ErrLogNotFound)

	// the small segment size spreads the logs over several segments
	require.Greater(t, len(s.Log().Segments()), 1)
}

func testEmpty(t *testing.T, s *Store) {
	requireRange(t, s, 0, 0)
	var l raft.Log
	require.ErrorIs(t, s.GetLog(1, &l), raft.ErrLogNotFound)
	require.NoError(t, s.DeleteRange(1, 10))
}

func testConflict(t *testing.T, s *Store) {
	require.NoError(t, s.StoreLogs(raftLogs(1, 8, 1)))
	require.NoError(t, s.StoreLogs(raftLogs(4, 5, 2)))
	requireRange(t, s, 1, 5)

	var l raft.Log
	require.NoError(t, s.GetLog(3, &l))
	require.Equal(t, uint64(1), l.Term)
	require.NoError(t, s.GetLog(5, &l))
	require.Equal(t, uint64(2), l.Term)
	require.ErrorIs(t, s.GetLog(6, &l), raft.ErrLogNotFound)
}

func testGap(t *testing.T, s *Store) {
	require.NoError(t, s.StoreLogs(raftLogs(1, 3, 1)))
	require.NoError(t, s.StoreLogs(raftLogs(20, 22, 3)))
	requireRange(t, s, 20, 22)

	var l raft.Log
	require.ErrorIs(t, s.GetLog(3, &l), raft.ErrLogNotFound)
	require.NoError(t, s.GetLog(21, &l))
	require.Equal(t, uint64(3), l.Term)
}

func testDeleteSuffix(t *testing.T, s *Store) {
	require.NoError(t, s.StoreLogs(raftLogs(1, 10, 1)))
	require.NoError(t, s.DeleteRange(7, 10))
	requireRange(t, s, 1, 6)
	require.NoError(t, s.StoreLogs(raftLogs(7, 7, 4)))
	requireRange(t, s, 1, 7)
}

func testDeletePrefix(t *testing.T, s *Store) {
	require.NoError(t, s.StoreLogs(raftLogs(1, 20, 1)))
	require.NoError(t, s.DeleteRange(1, 15))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Greater(t, first, uint64(1))
	require.LessOrEqual(t, first, uint64(16))
	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(20), last)

	var l raft.Log
	require.NoError(t, s.GetLog(16, &l))
	require.ErrorIs(t, s.GetLog(1, &l), raft.ErrLogNotFound)
}

func testDeleteAll(t *testing.T, s *Store) {
	require.NoError(t, s.StoreLogs(raftLogs(1, 5, 1)))
	require.NoError(t, s.DeleteRange(1, 5))
	requireRange(t, s, 0, 0)

	next, err := s.Log().NextIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(6), next)

	require.NoError(t, s.StoreLogs(raftLogs(6, 7, 2)))
	requireRange(t, s, 6, 7)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(log.DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.StoreLogs(raftLogs(1, 5, 1)))
	require.NoError(t, s.Close())

	s, err = New(log.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	requireRange(t, s, 1, 5)

	var l raft.Log
	require.NoError(t, s.GetLog(5, &l))
	require.Equal(t, []byte("command 5"), l.Data)
}

type counter struct {
	mu      sync.Mutex
	applied [][]byte
}

func (c *counter) Apply(l *raft.Log) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, l.Data)
	return len(c.applied)
}

func (c *counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

func (c *counter) Snapshot() (raft.FSMSnapshot, error) {
	return snapshot{}, nil
}

func (c *counter) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type snapshot struct{}

func (snapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (snapshot) Release()                             {}

// Runs a single raft node on top of the store and checks that the commands it commits
// land in the log and that snapshots compact it.
func TestRaftNode(t *testing.T) {
	c := log.DefaultConfig(t.TempDir()).WithSegmentSize(512).WithMaxSegments(2)
	store, err := New(c)
	require.NoError(t, err)
	defer store.Close()

	config := raft.DefaultConfig()
	config.LocalID = "node-0"
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond
	config.TrailingLogs = 0
	config.Logger = hclog.New(&hclog.LoggerOptions{Name: "raft", Level: hclog.Error})

	stablePath := filepath.Join(t.TempDir(), "stable")
	stable, err := NewStableStore(stablePath)
	require.NoError(t, err)

	addr, transport := raft.NewInmemTransport("")
	fsm := &counter{}
	r, err := raft.NewRaft(config, fsm, store, stable, raft.NewInmemSnapshotStore(), transport)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, r.Shutdown().Error())
	}()

	err = r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: addr, Suffrage: raft.Voter}},
	}).Error()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.State() == raft.Leader
	}, 3*time.Second, 20*time.Millisecond)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.Apply([]byte(fmt.Sprintf("command %d", i)), time.Second).Error())
	}
	require.Equal(t, 20, fsm.Len())

	last, err := store.LastIndex()
	require.NoError(t, err)
	require.GreaterOrEqual(t, last, uint64(21))

	require.NoError(t, r.Snapshot().Error())
	first, err := store.Log().FirstIndex()
	require.NoError(t, err)
	require.Greater(t, first, uint64(1))

	require.NoError(t, r.Apply([]byte("after snapshot"), time.Second).Error())
	require.Equal(t, 21, fsm.Len())

	// the election's term is on disk
	reopened, err := NewStableStore(stablePath)
	require.NoError(t, err)
	term, err := reopened.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	require.NotZero(t, term)
}
