package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// ScriptedTransport is an in-memory Transport test double. Writes are
// captured for later assertion; reads are served from a queue of
// pre-scripted byte chunks that a test fills in (e.g. with CONNACK,
// SUBACK, PUBLISH bytes) to drive the client's read loop without a real
// socket.
//
// Grounded on the teacher's bufio/net.Conn read loop: ScriptedTransport
// only needs to satisfy Transport, not net.Conn, so it skips addressing
// and keeps no simulated network latency.
type ScriptedTransport struct {
	mu      sync.Mutex
	toRead  [][]byte
	written bytes.Buffer
	closed  bool
	readErr error
}

var _ Transport = (*ScriptedTransport)(nil)

// NewScriptedTransport returns an empty scripted transport. Use QueueRead
// to feed bytes the client will read.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{}
}

// QueueRead appends a chunk of bytes to be returned by the next Read
// call(s). Each chunk is drained before the next one starts.
func (s *ScriptedTransport) QueueRead(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toRead = append(s.toRead, append([]byte(nil), p...))
}

// FailNextRead makes the next Read return err instead of consuming a
// queued chunk.
func (s *ScriptedTransport) FailNextRead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Written returns everything written so far, for assertion against the
// expected outgoing packet bytes.
func (s *ScriptedTransport) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

func (s *ScriptedTransport) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		err := s.readErr
		s.readErr = nil
		return 0, err
	}

	if s.closed {
		return 0, io.EOF
	}

	for len(s.toRead) > 0 && len(s.toRead[0]) == 0 {
		s.toRead = s.toRead[1:]
	}
	if len(s.toRead) == 0 {
		return 0, errors.New("transport: scripted read queue exhausted")
	}

	n := copy(p, s.toRead[0])
	s.toRead[0] = s.toRead[0][n:]
	return n, nil
}

func (s *ScriptedTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("transport: write on closed scripted transport")
	}
	return s.written.Write(p)
}

func (s *ScriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetReadDeadline is a no-op: scripted reads never block on real I/O.
func (s *ScriptedTransport) SetReadDeadline(time.Time) error {
	return nil
}
