// Package socktest provides a scripted in-memory sock.Socket for protocol tests.
package socktest

import (
	"bytes"
	"errors"
	"sync"

	"github.com/searchktools/blizzard/core/sock"
)

type stepKind int

const (
	stepData stepKind = iota
	stepBlock
	stepEOF
	stepErr
)

type step struct {
	kind stepKind
	data []byte
	err  error
}

// ErrReset is a stand-in for a connection reset by peer.
var ErrReset = errors.New("socktest: connection reset")

// Script is a socket whose reads replay a fixed sequence of steps. Once the
// script is exhausted every read would block. Writes are captured.
type Script struct {
	mu       sync.Mutex
	steps    []step
	out      bytes.Buffer
	maxWrite int
	blockW   int
	writeErr error
	reads    int
	closed   bool
}

// New returns an empty script.
func New() *Script {
	return &Script{}
}

// Data queues bytes for a single read. A read with a smaller buffer consumes
// the step partially.
func (s *Script) Data(p string) *Script {
	s.steps = append(s.steps, step{kind: stepData, data: []byte(p)})
	return s
}

// Block queues a would-block read.
func (s *Script) Block() *Script {
	s.steps = append(s.steps, step{kind: stepBlock})
	return s
}

// EOF queues end of stream. It repeats for every later read.
func (s *Script) EOF() *Script {
	s.steps = append(s.steps, step{kind: stepEOF})
	return s
}

// Fail queues a read error.
func (s *Script) Fail(err error) *Script {
	s.steps = append(s.steps, step{kind: stepErr, err: err})
	return s
}

// MaxWrite caps the bytes accepted by each write.
func (s *Script) MaxWrite(n int) *Script {
	s.maxWrite = n
	return s
}

// BlockWrites makes the next n writes would-block.
func (s *Script) BlockWrites(n int) *Script {
	s.blockW = n
	return s
}

// FailWrites makes every write fail with err.
func (s *Script) FailWrites(err error) *Script {
	s.writeErr = err
	return s
}

func (s *Script) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if len(s.steps) == 0 {
		return 0, sock.ErrWouldBlock
	}
	st := &s.steps[0]
	switch st.kind {
	case stepBlock:
		s.steps = s.steps[1:]
		return 0, sock.ErrWouldBlock
	case stepEOF:
		return 0, nil
	case stepErr:
		s.steps = s.steps[1:]
		return 0, st.err
	}
	n := copy(p, st.data)
	st.data = st.data[n:]
	if len(st.data) == 0 {
		s.steps = s.steps[1:]
	}
	return n, nil
}

func (s *Script) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blockW > 0 {
		s.blockW--
		return 0, sock.ErrWouldBlock
	}
	if s.maxWrite > 0 && len(p) > s.maxWrite {
		p = p[:s.maxWrite]
	}
	return s.out.Write(p)
}

func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Written returns everything written so far.
func (s *Script) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

// Reads returns the number of Read calls.
func (s *Script) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Remaining returns the number of unconsumed read steps.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Closed reports whether Close was called.
func (s *Script) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
