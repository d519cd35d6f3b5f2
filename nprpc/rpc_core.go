// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Dialer opens a new Session to endpoint. Each transport registers one
// under its EndpointScheme (spec §4.G get_session "dispatching to the
// transport driver for endpoint.scheme").
type Dialer func(ctx context.Context, core *RPCCore, ep Endpoint) (Session, error)

// RPCCore is the per-process singleton: POA registry, session pool keyed by
// Endpoint, and process-wide config (spec §4.G).
type RPCCore struct {
	cfg *Config
	log *slog.Logger

	poaMu sync.Mutex
	poas  [MaxPoaCount]*POA

	sessionMu      sync.Mutex
	sessions       map[Endpoint]Session
	sessionCreates map[Endpoint]chan struct{} // in-flight dial serialization

	dialersMu sync.RWMutex
	dialers   map[EndpointScheme]Dialer

	listenerUuid uuid.UUID // this process's shared-memory listener id, if any

	reconnectMu       sync.Mutex
	reconnectLimiters map[Endpoint]*rate.Limiter
}

// reconnectLimiter lazily creates (or reuses) a per-endpoint token-bucket
// capping reconnect attempts, so a peer that is down does not get hammered
// by every caller's retry — the same primitive the teacher pack uses for
// inbound request-rate limiting, repurposed here for the outbound
// reconnect path (spec's 4.E expansion).
func (c *RPCCore) reconnectLimiter(ep Endpoint) *rate.Limiter {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	l, ok := c.reconnectLimiters[ep]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 3)
		c.reconnectLimiters[ep] = l
	}
	return l
}

// NewRPCCore constructs the singleton for one process. Callers typically
// create exactly one per binary (cmd/nprpc-echo-server, cmd/nprpc-echo-client).
func NewRPCCore(cfg *Config) *RPCCore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RPCCore{
		cfg:               cfg,
		log:               cfg.NewLogger(),
		sessions:          make(map[Endpoint]Session),
		sessionCreates:    make(map[Endpoint]chan struct{}),
		dialers:           make(map[EndpointScheme]Dialer),
		listenerUuid:      cfg.Uuid,
		reconnectLimiters: make(map[Endpoint]*rate.Limiter),
	}
}

// Config returns the core's configuration record.
func (c *RPCCore) Config() *Config { return c.cfg }

// Logger returns the core's root logger.
func (c *RPCCore) Logger() *slog.Logger { return c.log }

// ProcessId returns this process's UUID (ObjectId.origin, spec §4.D).
func (c *RPCCore) ProcessId() uuid.UUID { return c.cfg.Uuid }

// RegisterDialer installs the transport driver responsible for scheme.
// RegisterDefaultDialers calls it for every built-in transport, e.g.
// core.RegisterDialer(SchemeTCP, dialTCP).
func (c *RPCCore) RegisterDialer(scheme EndpointScheme, d Dialer) {
	c.dialersMu.Lock()
	defer c.dialersMu.Unlock()
	c.dialers[scheme] = d
}

// RegisterDefaultDialers wires every transport's Dialer under its scheme in
// one call, so a host process does not need to import each transport_*.go
// file's unexported dialXxx function one at a time. AcceptTCP/UpgradeHTTP/
// ServeUDP/ServeQUIC/ServeSHM remain separate since each needs its own
// listener wired in by the caller; only the outbound dial side is generic
// enough to default.
func (c *RPCCore) RegisterDefaultDialers() {
	c.RegisterDialer(SchemeTCP, dialTCP)
	c.RegisterDialer(SchemeWS, dialWS)
	c.RegisterDialer(SchemeWSS, dialWS)
	c.RegisterDialer(SchemeUDP, dialUDP)
	c.RegisterDialer(SchemeQUIC, dialQUIC)
	c.RegisterDialer(SchemeSharedMemory, dialSHM)
}

// RegisterPOA installs poa at its configured index.
func (c *RPCCore) RegisterPOA(poa *POA) error {
	c.poaMu.Lock()
	defer c.poaMu.Unlock()
	if poa.Idx >= MaxPoaCount {
		return fmt.Errorf("%w: poa index %d", ErrBadInput, poa.Idx)
	}
	if c.poas[poa.Idx] != nil {
		return fmt.Errorf("%w: poa index %d already registered", ErrPoaDuplicateId, poa.Idx)
	}
	c.poas[poa.Idx] = poa
	return nil
}

// POA returns the registered POA at idx, or ErrPoaNotExist.
func (c *RPCCore) POA(idx uint16) (*POA, error) {
	c.poaMu.Lock()
	defer c.poaMu.Unlock()
	if idx >= MaxPoaCount || c.poas[idx] == nil {
		return nil, fmt.Errorf("%w: poa index %d", ErrPoaNotExist, idx)
	}
	return c.poas[idx], nil
}

// synthesizeUrls builds an ObjectId.Urls list from the activation flags and
// this process's configured listeners (spec §4.D). A flag requesting a
// disabled transport is silently dropped per spec §4.F "Policy enforcement".
func (c *RPCCore) synthesizeUrls(flags ActivationFlags) []string {
	var urls []string
	if flags&AllowSharedMemory != 0 {
		urls = append(urls, (Endpoint{Scheme: SchemeSharedMemory, ShmID: c.listenerUuid}).String())
	}
	host := c.cfg.Hostname
	if flags&AllowTCP != 0 && c.cfg.TcpPort != 0 {
		urls = append(urls, (Endpoint{Scheme: SchemeTCP, Host: host, Port: c.cfg.TcpPort}).String())
	}
	if flags&AllowWS != 0 && c.cfg.HttpPort != 0 {
		scheme := SchemeWS
		if c.cfg.HttpSslEnabled {
			scheme = SchemeWSS
		}
		urls = append(urls, (Endpoint{Scheme: scheme, Host: host, Port: c.cfg.HttpPort, Path: "/nprpc-ws"}).String())
	}
	if flags&AllowHTTP != 0 && c.cfg.HttpPort != 0 {
		scheme := SchemeHTTP
		if c.cfg.HttpSslEnabled {
			scheme = SchemeHTTPS
		}
		urls = append(urls, (Endpoint{Scheme: scheme, Host: host, Port: c.cfg.HttpPort, Path: "/rpc"}).String())
	}
	if flags&AllowQUIC != 0 && c.cfg.QuicPort != 0 {
		urls = append(urls, (Endpoint{Scheme: SchemeQUIC, Host: host, Port: c.cfg.QuicPort}).String())
	}
	if flags&AllowUDP != 0 && c.cfg.UdpPort != 0 {
		urls = append(urls, (Endpoint{Scheme: SchemeUDP, Host: host, Port: c.cfg.UdpPort}).String())
	}
	return urls
}

// GetSession returns an existing open session for ep or dials a new one.
// Concurrent GetSession calls for the same endpoint are serialized so at
// most one dial happens (spec §4.G "Creation is serialized per endpoint to
// prevent duplicate connections").
func (c *RPCCore) GetSession(ctx context.Context, ep Endpoint) (Session, error) {
	for {
		c.sessionMu.Lock()
		if s, ok := c.sessions[ep]; ok && !s.Closed() {
			c.sessionMu.Unlock()
			return s, nil
		}
		if wait, inFlight := c.sessionCreates[ep]; inFlight {
			c.sessionMu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		c.sessionCreates[ep] = wait
		c.sessionMu.Unlock()

		s, err := c.dial(ctx, ep)

		c.sessionMu.Lock()
		delete(c.sessionCreates, ep)
		if err == nil {
			c.sessions[ep] = s
		}
		c.sessionMu.Unlock()
		close(wait)

		return s, err
	}
}

func (c *RPCCore) dial(ctx context.Context, ep Endpoint) (Session, error) {
	c.dialersMu.RLock()
	d, ok := c.dialers[ep.Scheme]
	c.dialersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no transport registered for scheme %q", ErrConnectionFailed, ep.Scheme)
	}
	if err := c.reconnectLimiter(ep).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: reconnect backoff: %v", ErrConnectionFailed, err)
	}
	s, err := d(ctx, c, ep)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, ep, err)
	}
	return s, nil
}

// dropSession evicts ep from the pool, e.g. after a CommFailure (spec §4.G
// "On CommFailure the session is removed from the pool so the next call
// reconnects").
func (c *RPCCore) dropSession(ep Endpoint) {
	c.sessionMu.Lock()
	delete(c.sessions, ep)
	c.sessionMu.Unlock()
}

// Call resolves a session for ep and performs a synchronous request.
func (c *RPCCore) Call(ctx context.Context, ep Endpoint, buf []byte, timeout time.Duration) ([]byte, error) {
	s, err := c.GetSession(ctx, ep)
	if err != nil {
		return nil, err
	}
	reply, err := s.SendReceive(ctx, buf, timeout)
	if kind, ok := KindOf(err); ok && kind == KindCommFailure {
		c.dropSession(ep)
	}
	return reply, err
}

// CallAsync resolves a session for ep and performs a non-blocking request.
func (c *RPCCore) CallAsync(ctx context.Context, ep Endpoint, buf []byte, timeout time.Duration, completion func([]byte, error)) {
	s, err := c.GetSession(ctx, ep)
	if err != nil {
		completion(nil, err)
		return
	}
	s.SendReceiveAsync(ctx, buf, timeout, func(reply []byte, err error) {
		if kind, ok := KindOf(err); ok && kind == KindCommFailure {
			c.dropSession(ep)
		}
		completion(reply, err)
	})
}

// SendUnreliable hands buf to the session's SendDatagram (spec §4.G
// send_unreliable): on UDP that is a single datagram; every other transport,
// QUIC included, sends it as an async request on its main path.
func (c *RPCCore) SendUnreliable(ctx context.Context, ep Endpoint, buf []byte) error {
	s, err := c.GetSession(ctx, ep)
	if err != nil {
		return err
	}
	return s.SendDatagram(ctx, buf)
}

// ZeroCopyCapable is implemented by sessions whose transport can reserve
// space directly in a shared-memory ring for a send (spec §4.G
// prepare_zero_copy_buffer).
type ZeroCopyCapable interface {
	ReserveZeroCopy(minSize int) (WriteReservation, *FlatBuffer, bool)
	CommitZeroCopy(res WriteReservation, buf *FlatBuffer)
}

// PrepareZeroCopyBuffer reserves maxSize bytes in ep's session's send ring,
// if it has one, configuring buf as a view over that region. It returns
// false (and leaves buf alone) for any session without a zero-copy path.
func (c *RPCCore) PrepareZeroCopyBuffer(ctx context.Context, ep Endpoint, maxSize int) (*FlatBuffer, func(), bool) {
	s, err := c.GetSession(ctx, ep)
	if err != nil {
		return nil, nil, false
	}
	zc, ok := s.(ZeroCopyCapable)
	if !ok {
		return nil, nil, false
	}
	res, buf, ok := zc.ReserveZeroCopy(maxSize)
	if !ok {
		return nil, nil, false
	}
	commit := func() { zc.CommitZeroCopy(res, buf) }
	return buf, commit, true
}
