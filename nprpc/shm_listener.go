// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// handshakeMagic/handshakeVersion identify a well-formed channel-request
// handshake payload (spec §4.C).
const (
	handshakeMagic   uint32 = 0x4e505243 // "NPRC"
	handshakeVersion uint32 = 1
)

// handshakeHeartbeatInterval and handshakeStaleAfter implement the spec's
// open question on stale-ring cleanup (§9): the client-owned ready-flag
// page also carries a monotonic heartbeat counter the client bumps every
// handshakeHeartbeatInterval; the listener's janitor treats a channel whose
// heartbeat has not advanced in handshakeStaleAfter as abandoned.
const (
	handshakeHeartbeatInterval = 2 * time.Second
	handshakeStaleAfter        = 10 * time.Second
)

// handshake is the payload exchanged on the well-known accept ring and
// echoed back on the dedicated channel (spec §4.C).
type handshake struct {
	Magic     uint32
	Version   uint32
	ChannelId uuid.UUID
	ReadyName string // name of the one-page ready-flag region the client owns
}

const handshakeFixedSize = 4 + 4 + 16 + 4 // + len(ReadyName)

func (h handshake) encode() []byte {
	buf := make([]byte, handshakeFixedSize+len(h.ReadyName))
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	copy(buf[8:24], h.ChannelId[:])
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(h.ReadyName)))
	copy(buf[28:], h.ReadyName)
	return buf
}

func decodeHandshake(b []byte) (handshake, error) {
	if len(b) < handshakeFixedSize {
		return handshake{}, fmt.Errorf("%w: short handshake", ErrConnectionFailed)
	}
	h := handshake{
		Magic:   binary.LittleEndian.Uint32(b[0:4]),
		Version: binary.LittleEndian.Uint32(b[4:8]),
	}
	copy(h.ChannelId[:], b[8:24])
	nameLen := binary.LittleEndian.Uint32(b[24:28])
	if handshakeFixedSize+int(nameLen) > len(b) {
		return handshake{}, fmt.Errorf("%w: truncated handshake", ErrConnectionFailed)
	}
	h.ReadyName = string(b[handshakeFixedSize : handshakeFixedSize+int(nameLen)])
	if h.Magic != handshakeMagic || h.Version != handshakeVersion {
		return handshake{}, fmt.Errorf("%w: bad magic/version", ErrConnectionFailed)
	}
	return h, nil
}

// readyFlag is the one-page shared region holding the client's
// "server-ready" atomic flag plus the liveness heartbeat (spec §4.C and
// the §9 stale-ring open question). The listener's janitor and the client
// share this via a ringHeaderMem-shaped mapping, reusing the same platform
// primitive the ring header uses rather than inventing a second one.
type readyFlag struct {
	mem ringHeaderMem
}

const (
	readyFlagOffset     = 0 // uint32: 0 = not ready, 1 = ready
	heartbeatOffset     = 8 // uint64 monotonic counter
)

func newReadyFlag(name string) (*readyFlag, error) {
	mem, err := newMmapHeaderMem(name)
	if err != nil {
		return nil, err
	}
	return &readyFlag{mem: mem}, nil
}

func (r *readyFlag) setReady() {
	binary.LittleEndian.PutUint32(r.mem.Bytes()[readyFlagOffset:], 1)
}

func (r *readyFlag) isReady() bool {
	return binary.LittleEndian.Uint32(r.mem.Bytes()[readyFlagOffset:]) == 1
}

func (r *readyFlag) bumpHeartbeat(n uint64) {
	binary.LittleEndian.PutUint64(r.mem.Bytes()[heartbeatOffset:], n)
}

func (r *readyFlag) heartbeat() uint64 {
	return binary.LittleEndian.Uint64(r.mem.Bytes()[heartbeatOffset:])
}

func (r *readyFlag) Close() error  { return r.mem.Close() }
func (r *readyFlag) Unlink() error { return r.mem.Unlink() }

// channelEntry pairs an accepted channel with the client's ready-flag page,
// which doubles as the liveness heartbeat the janitor polls (spec §9).
type channelEntry struct {
	ch            *SharedMemoryChannel
	rf            *readyFlag
	lastHeartbeat uint64
	lastSeenAt    time.Time
}

// Listener exposes a single well-known accept ring named by the server
// process's listener UUID. Clients deposit a handshake there; the listener
// creates the dedicated channel's rings, signals the client's ready flag,
// and hands the finished SharedMemoryChannel to onAccept (spec §4.C).
type Listener struct {
	id        uuid.UUID
	accept    *LockFreeRing
	acceptHdr *ringHeader
	log       *slog.Logger
	ringSize  int

	mu          sync.Mutex
	channels    map[uuid.UUID]*channelEntry
	closed      bool
	stop        chan struct{}
	done        chan struct{}
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewListener creates the accept ring for id. If a ring of the same name
// already exists it is opened and used as it is; an accept ring left behind
// by an earlier process is not removed first.
func NewListener(id uuid.UUID, ringSize int, log *slog.Logger) (*Listener, error) {
	name := ringName(id, "accept")
	mem, err := newMirrorMem(name, ringSize)
	if err != nil {
		return nil, fmt.Errorf("nprpc: create listener accept ring: %w", err)
	}
	hdrMem, err := newMmapHeaderMem(name)
	if err != nil {
		return nil, fmt.Errorf("nprpc: create listener accept ring header: %w", err)
	}
	hdr := newRingHeader(hdrMem)
	l := &Listener{
		id:          id,
		accept:      NewLockFreeRing(mem, hdr),
		acceptHdr:   hdr,
		log:         log,
		ringSize:    ringSize,
		channels:    make(map[uuid.UUID]*channelEntry),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go l.janitor()
	return l, nil
}

// janitor periodically sweeps channels for a stalled heartbeat and evicts
// them, reclaiming rings a peer abandoned without a clean Close (spec §9).
func (l *Listener) janitor() {
	defer close(l.janitorDone)
	ticker := time.NewTicker(handshakeHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.janitorStop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *Listener) sweep(now time.Time) {
	l.mu.Lock()
	var stale []*channelEntry
	for id, e := range l.channels {
		hb := e.rf.heartbeat()
		if hb != e.lastHeartbeat {
			e.lastHeartbeat = hb
			e.lastSeenAt = now
			continue
		}
		if now.Sub(e.lastSeenAt) > handshakeStaleAfter {
			stale = append(stale, e)
			delete(l.channels, id)
		}
	}
	l.mu.Unlock()

	for _, e := range stale {
		l.log.Warn("nprpc: evicting stale shared-memory channel", "channel", e.ch.ID)
		_ = e.ch.Close()
		_ = e.rf.Close()
		_ = e.rf.Unlink()
	}
}

// Serve runs the accept loop, calling onAccept once per successfully
// completed handshake. It blocks until Close.
func (l *Listener) Serve(onAccept func(*SharedMemoryChannel)) {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		view, ok := l.accept.TryReadView()
		if !ok {
			l.accept.Waiter().Wait()
			continue
		}
		hs, err := decodeHandshake(view.Data)
		l.accept.CommitRead(view)
		if err != nil {
			l.log.Warn("nprpc: rejected shared-memory handshake", "error", err)
			continue
		}
		ch, err := l.complete(hs)
		if err != nil {
			l.log.Warn("nprpc: failed to complete shared-memory handshake", "channel", hs.ChannelId, "error", err)
			continue
		}
		onAccept(ch)
	}
}

func (l *Listener) complete(hs handshake) (*SharedMemoryChannel, error) {
	ch, err := newSharedMemoryChannel(hs.ChannelId, true, l.ringSize, l.log)
	if err != nil {
		return nil, err
	}
	rf, err := newReadyFlag(hs.ReadyName)
	if err != nil {
		ch.Close()
		return nil, err
	}
	rf.setReady()

	reply := handshake{Magic: handshakeMagic, Version: handshakeVersion, ChannelId: hs.ChannelId, ReadyName: hs.ReadyName}
	if !ch.send.Write(reply.encode()) {
		ch.Close()
		rf.Close()
		rf.Unlink()
		return nil, fmt.Errorf("%w: dedicated channel ring full on handshake echo", ErrConnectionFailed)
	}

	l.mu.Lock()
	l.channels[hs.ChannelId] = &channelEntry{ch: ch, rf: rf, lastSeenAt: time.Now()}
	l.mu.Unlock()
	return ch, nil
}

// DialChannel is the client side of the handshake: it deposits a handshake
// on the server's accept ring, waits for the ready flag (polling with a
// short sleep, since the flag's page is not itself a ring with a waiter),
// then opens the dedicated channel. Timeout on server-ready is
// ErrConnectionFailed per spec §4.C.
func DialChannel(serverListenerId uuid.UUID, ringSize int, timeout time.Duration, log *slog.Logger) (*SharedMemoryChannel, error) {
	acceptName := ringName(serverListenerId, "accept")
	acceptMem, err := newMirrorMem(acceptName, ringSize)
	if err != nil {
		return nil, fmt.Errorf("%w: open listener accept ring: %v", ErrConnectionFailed, err)
	}
	acceptHdrMem, err := newMmapHeaderMem(acceptName)
	if err != nil {
		return nil, fmt.Errorf("%w: open listener accept ring header: %v", ErrConnectionFailed, err)
	}
	acceptRing := NewLockFreeRing(acceptMem, newRingHeader(acceptHdrMem))

	channelId := uuid.New()
	readyName := ringName(channelId, "ready")
	rf, err := newReadyFlag(readyName)
	if err != nil {
		return nil, fmt.Errorf("%w: create ready flag: %v", ErrConnectionFailed, err)
	}

	hs := handshake{Magic: handshakeMagic, Version: handshakeVersion, ChannelId: channelId, ReadyName: readyName}
	if !acceptRing.Write(hs.encode()) {
		rf.Close()
		return nil, fmt.Errorf("%w: listener accept ring full", ErrConnectionFailed)
	}

	deadline := time.Now().Add(timeout)
	for !rf.isReady() {
		if time.Now().After(deadline) {
			rf.Close()
			rf.Unlink()
			return nil, fmt.Errorf("%w: timed out waiting for server-ready", ErrConnectionFailed)
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch, err := newSharedMemoryChannel(channelId, false, ringSize, log)
	if err != nil {
		rf.Close()
		rf.Unlink()
		return nil, err
	}

	// Drain the server's echoed handshake off the dedicated channel before
	// handing it to the caller as a clean RPC channel.
	for i := 0; i < 200; i++ {
		if view, ok := ch.recv.TryReadView(); ok {
			ch.recv.CommitRead(view)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// rf stays alive for the channel's lifetime: the client bumps its
	// heartbeat counter so the listener's janitor can distinguish this
	// channel from one whose peer vanished (spec §9).
	ch.startHeartbeat(rf)
	return ch, nil
}

// Close stops the accept loop and releases every channel the listener
// accepted.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	channels := l.channels
	l.channels = nil
	l.mu.Unlock()

	close(l.janitorStop)
	<-l.janitorDone

	close(l.stop)
	l.acceptHdr.waiter.Wake()
	<-l.done

	for _, e := range channels {
		_ = e.ch.Close()
		_ = e.rf.Close()
		_ = e.rf.Unlink()
	}
	err := l.accept.Close()
	_ = l.accept.Unlink()
	return err
}
