// Package agent runs a raft node whose log lives in statelog.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
	"github.com/rs/zerolog"
	"github.com/ttaaoo/statelog/internal/discovery"
	"github.com/ttaaoo/statelog/internal/log"
	"github.com/ttaaoo/statelog/internal/metrics"
	"github.com/ttaaoo/statelog/internal/raftstore"
)

type Config struct {
	DataDir string
	// Template for the node's log; its directory is always <DataDir>/log.
	Log log.Config
	// The address serf gossips on. The raft transport listens on the same host at RaftPort.
	BindAddr       string
	RaftPort       int
	NodeName       string
	StartJoinAddrs []string
	// Bootstrap makes the node start a new cluster with itself as the only voter.
	Bootstrap bool
	// Serve Prometheus metrics on this port; 0 disables the exporter.
	MetricsPort int
	Raft        struct {
		HeartbeatTimeout  time.Duration
		ElectionTimeout   time.Duration
		CommitTimeout     time.Duration
		SnapshotThreshold uint64
	}
}

func (c Config) RaftAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", c.RaftPort)), nil
}

// An Agent runs one node of the cluster: the log, the raft node replicating into it,
// membership and the metrics exporter.
type Agent struct {
	Config

	store      *raftstore.Store
	fsm        *fsm
	raft       *raft.Raft
	membership *discovery.Membership
	metrics    *http.Server
	logger     *zerolog.Logger

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(config Config) (*Agent, error) {
	if config.NodeName == "" {
		config.NodeName = uuid.NewString()
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().
		Str("service", "agent").Str("node", config.NodeName).Logger()
	a := &Agent{
		Config:    config,
		fsm:       &fsm{},
		logger:    &logger,
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLog,
		a.setupRaft,
		a.setupMembership,
		a.setupMetrics,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			_ = a.Shutdown()
			return nil, err
		}
	}

	a.wg.Add(1)
	go a.monitorLeadership()
	return a, nil
}

func (a *Agent) setupLog() error {
	var err error
	a.store, err = raftstore.New(a.Config.Log.WithDir(filepath.Join(a.DataDir, "log")))
	return err
}

func (a *Agent) setupRaft() error {
	raftAddr, err := a.RaftAddr()
	if err != nil {
		return err
	}
	dir := filepath.Join(a.DataDir, "raft")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	hlog := hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Warn,
		Output: os.Stderr,
	})
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(dir, 1, hlog)
	if err != nil {
		return err
	}
	advertise, err := net.ResolveTCPAddr("tcp", raftAddr)
	if err != nil {
		return err
	}
	transport, err := raft.NewTCPTransportWithLogger(raftAddr, advertise, 3, 10*time.Second, hlog)
	if err != nil {
		return err
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(a.NodeName)
	config.Logger = hlog
	if d := a.Raft.HeartbeatTimeout; d != 0 {
		config.HeartbeatTimeout = d
		config.LeaderLeaseTimeout = d
	}
	if d := a.Raft.ElectionTimeout; d != 0 {
		config.ElectionTimeout = d
	}
	if d := a.Raft.CommitTimeout; d != 0 {
		config.CommitTimeout = d
	}
	if n := a.Raft.SnapshotThreshold; n != 0 {
		config.SnapshotThreshold = n
	}

	// term and vote must outlive the process too, or a restarted node could vote twice in a term
	stable, err := raftstore.NewStableStore(filepath.Join(dir, "stable"))
	if err != nil {
		_ = transport.Close()
		return err
	}
	a.raft, err = raft.NewRaft(config, a.fsm, a.store, stable, snapshots, transport)
	if err != nil {
		_ = transport.Close()
		return err
	}

	if !a.Bootstrap {
		return nil
	}
	existing, err := raft.HasExistingState(a.store, stable, snapshots)
	if err != nil {
		return err
	}
	if existing {
		a.logger.Info().Msg("bootstrap skipped: node has existing state")
		return nil
	}
	return a.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{
			ID:       config.LocalID,
			Address:  transport.LocalAddr(),
			Suffrage: raft.Voter,
		}},
	}).Error()
}

func (a *Agent) setupMembership() error {
	raftAddr, err := a.RaftAddr()
	if err != nil {
		return err
	}
	a.membership, err = discovery.New(a, discovery.Config{
		NodeName:       a.NodeName,
		BindAddr:       a.BindAddr,
		Tags:           map[string]string{discovery.RaftAddrTag: raftAddr},
		StartJoinAddrs: a.StartJoinAddrs,
	})
	return err
}

func (a *Agent) setupMetrics() error {
	if a.MetricsPort > 0 {
		a.metrics = metrics.StartMetricsServer(a.MetricsPort)
	}
	return nil
}

// monitorLeadership adds every live member as a voter whenever this node becomes leader,
// covering the members that joined while there was no leader to add them.
func (a *Agent) monitorLeadership() {
	defer a.wg.Done()
	for {
		select {
		case leader := <-a.raft.LeaderCh():
			if !leader {
				continue
			}
			a.logger.Info().Msg("gained leadership")
			for _, m := range a.membership.Members() {
				if m.Name == a.NodeName || m.Status != serf.StatusAlive {
					continue
				}
				if err := a.Join(m.Name, m.Tags[discovery.RaftAddrTag]); err != nil {
					a.logger.Error().Err(err).Str("member", m.Name).Msg("failed to add voter")
				}
			}
		case <-a.shutdowns:
			return
		}
	}
}

// Join adds a node to the raft configuration. Only the leader changes the configuration;
// on other nodes Join does nothing.
func (a *Agent) Join(name, addr string) error {
	if a.raft.State() != raft.Leader {
		return nil
	}
	id, address := raft.ServerID(name), raft.ServerAddress(addr)

	f := a.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return err
	}
	for _, srv := range f.Configuration().Servers {
		if srv.ID != id && srv.Address != address {
			continue
		}
		if srv.ID == id && srv.Address == address {
			return nil
		}
		// same name or address with a stale counterpart
		if err := a.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
			return err
		}
	}
	return a.raft.AddVoter(id, address, 0, 0).Error()
}

// Leave removes a node from the raft configuration. Like Join it only acts on the leader.
func (a *Agent) Leave(name string) error {
	if a.raft.State() != raft.Leader {
		return nil
	}
	return a.raft.RemoveServer(raft.ServerID(name), 0, 0).Error()
}

// Apply replicates payload through raft and returns its log index once committed and applied
// locally. ctx's deadline bounds the wait.
func (a *Agent) Apply(ctx context.Context, payload []byte) (uint64, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = time.Until(deadline); timeout <= 0 {
			return 0, context.DeadlineExceeded
		}
	}
	f := a.raft.Apply(payload, timeout)
	if err := f.Error(); err != nil {
		return 0, err
	}
	return f.Index(), nil
}

// WaitForLeader blocks until the cluster has a leader.
func (a *Agent) WaitForLeader(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return errors.New("agent: timed out waiting for a leader")
		case <-ticker.C:
			if addr, _ := a.raft.LeaderWithID(); addr != "" {
				return nil
			}
		}
	}
}

// Leader returns the raft address of the current leader, if any.
func (a *Agent) Leader() string {
	addr, _ := a.raft.LeaderWithID()
	return string(addr)
}

// IsLeader reports whether this node is the leader.
func (a *Agent) IsLeader() bool {
	return a.raft.State() == raft.Leader
}

// Servers returns the current raft configuration.
func (a *Agent) Servers() ([]raft.Server, error) {
	f := a.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, err
	}
	return f.Configuration().Servers, nil
}

// Applied returns how many commands the node's state machine has applied.
func (a *Agent) Applied() uint64 {
	return a.fsm.state().Applied
}

// Log returns the node's log.
func (a *Agent) Log() *log.Log {
	return a.store.Log()
}

// Shutdown stops the node once, no matter how often it is called: it leaves the membership
// so the others stop sending it events, shuts raft down, closes the log and stops the
// exporter.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)
	a.wg.Wait()

	var shutdown []func() error
	if a.membership != nil {
		shutdown = append(shutdown, a.membership.Leave)
	}
	if a.raft != nil {
		shutdown = append(shutdown, func() error {
			return a.raft.Shutdown().Error()
		})
	}
	if a.store != nil {
		shutdown = append(shutdown, a.store.Close)
	}
	if a.metrics != nil {
		shutdown = append(shutdown, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metrics.Shutdown(ctx)
		})
	}

	var errs []error
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
