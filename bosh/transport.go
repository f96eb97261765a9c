/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package bosh implements the XEP-0124/XEP-0206 HTTP long-polling
// transport (spec component J): a Session multiplexes a sequence of
// rid-ordered HTTP <body/> requests onto the same underlying stream
// state machine (package c2s) that a raw TCP connection drives,
// presenting itself to that state machine as an ordinary
// transport.Transport so c2s.Stream never has to know it's talking to
// BOSH instead of a socket.
package bosh

import (
	"bytes"
	"crypto/tls"
	"io"
	"strings"
	"sync"

	"github.com/xmppcore/xmppd/transport"
	"github.com/xmppcore/xmppd/transport/compress"
)

// streamTransport bridges a Session to the c2s.Stream it owns: writes
// the stream issues are buffered for the next HTTP response; reads
// drain bytes the Session fed in from an inbound <body/> request. The
// read side buffers without bound so feeding never blocks the session's
// request pipeline.
type streamTransport struct {
	session *Session

	mu     sync.Mutex
	rcond  *sync.Cond
	rbuf   bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func newStreamTransport(session *Session) *streamTransport {
	t := &streamTransport{session: session}
	t.rcond = sync.NewCond(&t.mu)
	return t
}

func (t *streamTransport) Type() transport.Type { return transport.BOSH }

// Read blocks the stream's parser until fed bytes are available or the
// transport is closed.
func (t *streamTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.rbuf.Len() == 0 && !t.closed {
		t.rcond.Wait()
	}
	if t.rbuf.Len() == 0 {
		return 0, io.EOF
	}
	return t.rbuf.Read(p)
}

// feed pushes raw XML bytes (a synthetic stream-open tag, or a stanza
// re-serialized from an inbound <body/> child) into the transport's
// read side, unblocking the owning stream's parser. It never blocks.
func (t *streamTransport) feed(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	t.rbuf.Write(p)
	t.rcond.Signal()
	return nil
}

// Write satisfies io.Writer; c2s.Stream only ever calls WriteString, but
// the Transport interface embeds io.Writer.
func (t *streamTransport) Write(p []byte) (int, error) {
	if err := t.WriteString(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString buffers element output for the next (or currently held)
// HTTP response, suppressing the raw stream-framing bytes a c2s.Stream
// emits (the XML PI, the literal <stream:stream> open tag, and its
// closing tag) since BOSH conveys session identity through the <body/>
// wrapper's attributes instead.
func (t *streamTransport) WriteString(s string) error {
	switch {
	case strings.HasPrefix(s, "<?xml"):
		return nil
	case strings.HasPrefix(s, "<stream:stream"):
		return nil
	case s == "</stream:stream>":
		t.session.markStreamClosed()
		return nil
	}
	t.mu.Lock()
	t.out.WriteString(s)
	t.mu.Unlock()
	t.session.onOutput()
	return nil
}

// drain returns and clears whatever the stream has written since the
// last drain.
func (t *streamTransport) drain() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.out.String()
	t.out.Reset()
	return out
}

func (t *streamTransport) hasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Len() > 0
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.rcond.Broadcast()
	t.mu.Unlock()
	return nil
}

// StartTLS is a no-op: BOSH's TLS termination happens at the HTTP
// layer, per spec §4.J.
func (t *streamTransport) StartTLS(cfg *tls.Config, asClient bool) {}

// EnableCompression is a no-op: BOSH relies on HTTP-level content
// encoding rather than XEP-0138 in-stream zlib framing.
func (t *streamTransport) EnableCompression(level compress.Level) {}

func (t *streamTransport) ChannelBindingBytes(mechanism string) []byte { return nil }
