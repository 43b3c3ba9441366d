// Package discovery gossips cluster membership with serf.
package discovery

import (
	"io"
	"net"
	"os"

	"github.com/hashicorp/serf/serf"
	"github.com/rs/zerolog"
)

// RaftAddrTag is the serf tag carrying a node's raft address.
const RaftAddrTag = "raft_addr"

type Config struct {
	NodeName string
	// The address serf gossips on.
	BindAddr string
	Tags     map[string]string
	// Addresses of existing members; empty for the first node of a cluster.
	StartJoinAddrs []string
}

// Handler is told when another node joins or leaves the cluster. addr is the node's raft
// address.
type Handler interface {
	Join(name, addr string) error
	Leave(name string) error
}

// Membership wraps serf and forwards member events to a Handler.
type Membership struct {
	Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
	logger  *zerolog.Logger
}

func New(handler Handler, config Config) (*Membership, error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().
		Str("service", "membership").Str("node", config.NodeName).Logger()
	m := &Membership{
		Config:  config,
		handler: handler,
		logger:  &logger,
	}
	if err := m.setupSerf(); err != nil {
		return nil, err
	}
	return m, nil
}

// setupSerf creates the serf instance, starts the goroutine that handles its events and, when
// there are addresses to join, joins the existing cluster.
func (m *Membership) setupSerf() error {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return err
	}
	m.events = make(chan serf.Event)

	config := serf.DefaultConfig()
	config.Init()
	// serf gossips on this address and port
	config.MemberlistConfig.BindAddr = addr.IP.String()
	config.MemberlistConfig.BindPort = addr.Port
	// serf sends an event here whenever a member changes state; Members gives a
	// snapshot of the cluster at any other time
	config.EventCh = m.events
	// tags are shared with every other node and tell the cluster how to reach this one; the
	// agent puts its raft address here
	config.Tags = m.Tags
	config.NodeName = m.NodeName
	// serf's own chatter goes nowhere; membership changes are logged below
	config.LogOutput = io.Discard
	config.MemberlistConfig.LogOutput = io.Discard

	if m.serf, err = serf.Create(config); err != nil {
		return err
	}
	go m.eventHandler()

	// a new node only needs to reach one existing member, gossip teaches it the rest. Give
	// several addresses so joining survives a member being down.
	if len(m.StartJoinAddrs) > 0 {
		if _, err := m.serf.Join(m.StartJoinAddrs, true); err != nil {
			return err
		}
	}
	return nil
}

// eventHandler reads serf's events. Serf sends every member event to all nodes, including the
// node the event is about.
func (m *Membership) eventHandler() {
	for e := range m.events {
		var handle func(serf.Member)
		switch e.EventType() {
		case serf.EventMemberJoin:
			handle = m.handleJoin
		// a failed node is treated as gone; it rejoins through a join event
		case serf.EventMemberLeave, serf.EventMemberFailed:
			handle = m.handleLeave
		default:
			continue
		}
		for _, member := range e.(serf.MemberEvent).Members {
			// a node never acts on its own membership
			if m.isLocal(member) {
				continue
			}
			handle(member)
		}
	}
}

func (m *Membership) handleJoin(member serf.Member) {
	if err := m.handler.Join(member.Name, member.Tags[RaftAddrTag]); err != nil {
		m.logError(err, "failed to join", member)
		return
	}
	m.logger.Info().Str("member", member.Name).Str(RaftAddrTag, member.Tags[RaftAddrTag]).Msg("member joined")
}

func (m *Membership) handleLeave(member serf.Member) {
	if err := m.handler.Leave(member.Name); err != nil {
		m.logError(err, "failed to leave", member)
		return
	}
	m.logger.Info().Str("member", member.Name).Str("status", member.Status.String()).Msg("member left")
}

func (m *Membership) isLocal(member serf.Member) bool {
	return m.serf.LocalMember().Name == member.Name
}

// Members returns a point-in-time snapshot of the cluster's members.
func (m *Membership) Members() []serf.Member {
	return m.serf.Members()
}

// Leave tells the other members this node is leaving and shuts serf down.
func (m *Membership) Leave() error {
	if err := m.serf.Leave(); err != nil {
		return err
	}
	return m.serf.Shutdown()
}

func (m *Membership) logError(err error, msg string, member serf.Member) {
	m.logger.Error().Err(err).Str("member", member.Name).Str(RaftAddrTag, member.Tags[RaftAddrTag]).Msg(msg)
}
