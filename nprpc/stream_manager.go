// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// streamSendFunc is one of the three outbound channels a StreamManager's
// session exposes (spec §4.H): main-stream control/fallback send,
// native-stream reliable send, datagram unreliable send. Any may be nil if
// the underlying transport does not offer that path.
type streamSendFunc func(payload []byte) error

// writerEntry is the server-side bookkeeping register_stream creates.
type writerEntry struct {
	writer     StreamWriter
	unreliable bool

	mu        sync.Mutex
	inFlight  int
	window    int
	resumeCh  chan struct{}
	nextSeq   uint64
	lastSent  time.Time
	state     StreamState
	timer     *time.Timer
}

// readerEntry is the client-side bookkeeping register_reader creates.
type readerEntry struct {
	reader StreamReader

	mu         sync.Mutex
	state      StreamState
	nextSeq    uint64
	maxSeen    uint64
	reorderBuf map[uint64][]byte
}

// StreamManager is one per Session; it demultiplexes inbound Stream* frames
// to registered readers/writers and offers send_chunk/send_complete/
// send_error/send_cancel to the server-side producer (spec §4.H).
type StreamManager struct {
	mu      sync.Mutex
	writers map[uint64]*writerEntry
	readers map[uint64]*readerEntry
	nextId  atomic.Uint64

	mainSend    streamSendFunc
	nativeSend  func(streamId uint64, payload []byte) error
	datagramSend streamSendFunc
}

// NewStreamManager constructs a manager bound to a session's three outbound
// paths. nativeSend and datagramSend may be nil (fallback to mainSend /
// error respectively); mainSend must not be nil.
func NewStreamManager(mainSend streamSendFunc, nativeSend func(uint64, []byte) error, datagramSend streamSendFunc) *StreamManager {
	return &StreamManager{
		writers:      make(map[uint64]*writerEntry),
		readers:      make(map[uint64]*readerEntry),
		mainSend:     mainSend,
		nativeSend:   nativeSend,
		datagramSend: datagramSend,
	}
}

// NextStreamId allocates a fresh stream id for a newly opened stream.
func (m *StreamManager) NextStreamId() uint64 { return m.nextId.Add(1) }

// RegisterStream is the server-side register_stream: stores writer and the
// unreliable flag selecting the datagram path for chunks.
func (m *StreamManager) RegisterStream(id uint64, writer StreamWriter, unreliable bool) {
	we := &writerEntry{
		writer:     writer,
		unreliable: unreliable,
		window:     DefaultStreamWindow,
		resumeCh:   make(chan struct{}, 1),
		state:      StreamActive,
		lastSent:   time.Now(),
	}
	we.timer = time.AfterFunc(DefaultStreamTimeout, func() { m.timeoutStream(id) })
	m.mu.Lock()
	m.writers[id] = we
	m.mu.Unlock()
}

// timeoutStream fires when a writer's inactivity timer expires with no
// intervening SendChunk (spec §4.H Timeouts): the stream fails, the peer is
// told via StreamError, and the writer is cancelled.
func (m *StreamManager) timeoutStream(id uint64) {
	m.mu.Lock()
	we, ok := m.writers[id]
	if ok {
		delete(m.writers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	we.mu.Lock()
	if we.state != StreamActive {
		we.mu.Unlock()
		return
	}
	we.state = StreamFailed
	we.mu.Unlock()
	if m.mainSend != nil {
		_ = m.mainSend(wrapStreamMessage(KindStreamError, encodeStreamError(id, StreamErrorTimeout, []byte("stream inactivity timeout"))))
	}
	we.writer.Cancel()
}

// RegisterReader is the client-side register_reader.
func (m *StreamManager) RegisterReader(id uint64, reader StreamReader) {
	re := &readerEntry{reader: reader, state: StreamOpening, reorderBuf: make(map[uint64][]byte)}
	m.mu.Lock()
	m.readers[id] = re
	m.mu.Unlock()
}

// --- inbound dispatch, called from the session's ingress path ---

// HandleDataChunk implements spec §4.H StreamDataChunk: forwards in-order
// payload to the reader; rejects out-of-order sequence numbers on reliable
// streams and reorders-or-drops them on unreliable streams.
func (m *StreamManager) HandleDataChunk(body []byte, unreliable bool) error {
	h, payload, err := decodeStreamChunk(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	re, ok := m.readers[h.StreamId]
	m.mu.Unlock()
	if !ok {
		return nil // stream already torn down locally; drop silently
	}

	re.mu.Lock()
	defer re.mu.Unlock()
	if re.state == StreamCompleted || re.state == StreamFailed || re.state == StreamCancelled {
		return nil
	}
	re.state = StreamActive
	if h.Seq > re.maxSeen {
		re.maxSeen = h.Seq
	}

	if !unreliable {
		if h.Seq != re.nextSeq {
			re.reader.OnError(ErrBadInput)
			re.state = StreamFailed
			return nil
		}
		re.nextSeq++
		re.reader.OnChunk(h.Seq, payload)
		m.sendWindowUpdate(h.StreamId)
		return nil
	}

	// Unreliable: accept in order directly; buffer near-future sequences
	// within the reorder window; drop anything further out.
	if h.Seq == re.nextSeq {
		re.reader.OnChunk(h.Seq, payload)
		re.nextSeq++
		for {
			buffered, ok := re.reorderBuf[re.nextSeq]
			if !ok {
				break
			}
			delete(re.reorderBuf, re.nextSeq)
			re.reader.OnChunk(re.nextSeq, buffered)
			re.nextSeq++
		}
		return nil
	}
	if h.Seq > re.nextSeq && h.Seq-re.nextSeq <= StreamReorderWindow {
		re.reorderBuf[h.Seq] = payload
		return nil
	}
	// Sequence gap too large to reorder: drop this chunk, as the spec
	// allows for unreliable streams.
	return nil
}

// sendWindowUpdate is the reader side's half of spec §4.H flow control: on
// each consumed chunk it tells the writer one unit of window is free. It
// always goes out on the session's main control path, regardless of which
// path carried the chunk, since the writer's ConsumeWindow only cares that
// the update arrives, not how.
func (m *StreamManager) sendWindowUpdate(streamId uint64) {
	if m.mainSend == nil {
		return
	}
	_ = m.mainSend(wrapStreamMessage(KindStreamWindowUpdate, encodeStreamId(streamId)))
}

// HandleWindowUpdate implements spec §4.H's writer-side half: a
// KindStreamWindowUpdate frame frees one unit of the named stream's send
// window, waking SendChunk if it was blocked.
func (m *StreamManager) HandleWindowUpdate(body []byte) error {
	streamId, err := decodeStreamId(body)
	if err != nil {
		return err
	}
	m.ConsumeWindow(streamId)
	return nil
}

// HandleCompletion implements spec §4.H StreamCompletion: the reader
// transitions to Completed and OnComplete fires as soon as the frame
// arrives. finalSeq is not compared with the sequences received, so chunks
// that arrive after the completion frame are not delivered.
func (m *StreamManager) HandleCompletion(body []byte) error {
	streamId, finalSeq, err := decodeStreamIdU64(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	re, ok := m.readers[streamId]
	if ok {
		delete(m.readers, streamId)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	re.mu.Lock()
	re.state = StreamCompleted
	re.mu.Unlock()
	_ = finalSeq
	re.reader.OnComplete()
	return nil
}

// HandleError implements spec §4.H StreamError.
func (m *StreamManager) HandleError(body []byte) error {
	streamId, code, data, err := decodeStreamError(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	re, ok := m.readers[streamId]
	if ok {
		delete(m.readers, streamId)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	re.mu.Lock()
	re.state = StreamFailed
	re.mu.Unlock()
	re.reader.OnError(fmt.Errorf("nprpc: stream %d failed, code %d: %s", streamId, code, string(data)))
	return nil
}

// HandleCancellation implements spec §4.H StreamCancellation: server side
// invokes the writer's cancel hook and removes it from the registry.
func (m *StreamManager) HandleCancellation(body []byte) error {
	streamId, err := decodeStreamId(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	we, ok := m.writers[streamId]
	if ok {
		delete(m.writers, streamId)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if we.timer != nil {
		we.timer.Stop()
	}
	we.mu.Lock()
	we.state = StreamCancelled
	we.mu.Unlock()
	we.writer.Cancel()
	return nil
}

// --- outbound operations, called by the server-side stream producer ---

// chosenSend picks the writer's native-stream path if it has one, else the
// main-stream path (reliable), or the datagram path with main-stream
// fallback (unreliable) — spec §4.H outbound routing rules.
func (m *StreamManager) chosenSend(id uint64, we *writerEntry) streamSendFunc {
	if we.unreliable {
		if m.datagramSend != nil {
			return m.datagramSend
		}
		return m.mainSend
	}
	if m.nativeSend != nil {
		ns := m.nativeSend
		return func(payload []byte) error { return ns(id, payload) }
	}
	return m.mainSend
}

// SendChunk blocks until window capacity is available (or the writer is
// cancelled) and then sends one data chunk (spec §4.H flow control).
func (m *StreamManager) SendChunk(id uint64, data []byte) error {
	m.mu.Lock()
	we, ok := m.writers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ErrObjectNotExist, id)
	}

	for {
		we.mu.Lock()
		if we.state != StreamActive {
			we.mu.Unlock()
			return fmt.Errorf("%w: stream %d is %s", ErrSessionClosed, id, we.state)
		}
		if we.inFlight < we.window {
			we.inFlight++
			seq := we.nextSeq
			we.nextSeq++
			we.lastSent = time.Now()
			we.mu.Unlock()
			if we.timer != nil {
				we.timer.Reset(DefaultStreamTimeout)
			}
			send := m.chosenSend(id, we)
			return send(wrapStreamMessage(KindStreamDataChunk, encodeStreamChunk(id, seq, data)))
		}
		we.mu.Unlock()
		<-we.resumeCh
	}
}

// ConsumeWindow is invoked by HandleWindowUpdate, when the reader side's
// window-update control frame arrives, to free one unit of writer capacity.
func (m *StreamManager) ConsumeWindow(id uint64) {
	m.mu.Lock()
	we, ok := m.writers[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	we.mu.Lock()
	if we.inFlight > 0 {
		we.inFlight--
	}
	we.mu.Unlock()
	select {
	case we.resumeCh <- struct{}{}:
	default:
	}
}

// SendComplete implements send_complete.
func (m *StreamManager) SendComplete(id uint64, finalSeq uint64) error {
	m.mu.Lock()
	we, ok := m.writers[id]
	if ok {
		delete(m.writers, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ErrObjectNotExist, id)
	}
	if we.timer != nil {
		we.timer.Stop()
	}
	we.mu.Lock()
	we.state = StreamCompleted
	we.mu.Unlock()
	return m.mainSend(wrapStreamMessage(KindStreamCompletion, encodeStreamIdU64(id, finalSeq)))
}

// SendError implements send_error.
func (m *StreamManager) SendError(id uint64, code uint32, data []byte) error {
	m.mu.Lock()
	we, ok := m.writers[id]
	if ok {
		delete(m.writers, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ErrObjectNotExist, id)
	}
	if we.timer != nil {
		we.timer.Stop()
	}
	we.mu.Lock()
	we.state = StreamFailed
	we.mu.Unlock()
	return m.mainSend(wrapStreamMessage(KindStreamError, encodeStreamError(id, code, data)))
}

// SendCancel implements send_cancel: either side may call this. The issuing
// side removes its local state immediately; the peer removes its own state
// upon receiving the resulting StreamCancellation frame.
func (m *StreamManager) SendCancel(id uint64) error {
	m.mu.Lock()
	we := m.writers[id]
	delete(m.writers, id)
	delete(m.readers, id)
	m.mu.Unlock()
	if we != nil && we.timer != nil {
		we.timer.Stop()
	}
	return m.mainSend(wrapStreamMessage(KindStreamCancellation, encodeStreamId(id)))
}

// CloseAll cancels every active stream with SessionClosed (spec §5 "A
// session close cancels all active streams with a SessionClosed error").
func (m *StreamManager) CloseAll() {
	m.mu.Lock()
	readers := m.readers
	writers := m.writers
	m.readers = make(map[uint64]*readerEntry)
	m.writers = make(map[uint64]*writerEntry)
	m.mu.Unlock()

	for _, re := range readers {
		re.mu.Lock()
		re.state = StreamFailed
		re.mu.Unlock()
		re.reader.OnError(ErrSessionClosed)
	}
	for _, we := range writers {
		if we.timer != nil {
			we.timer.Stop()
		}
		we.mu.Lock()
		we.state = StreamCancelled
		we.mu.Unlock()
		we.writer.Cancel()
	}
}
