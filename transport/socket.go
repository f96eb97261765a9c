/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package transport

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"

	"github.com/xmppcore/xmppd/transport/compress"
)

type socketTransport struct {
	mu         sync.RWMutex
	conn       net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	compressed bool
	zlibR      interface {
		Read(p []byte) (int, error)
		Close() error
	}
}

// NewSocketTransport wraps a net.Conn (TCP or TLS) as a Transport.
func NewSocketTransport(conn net.Conn) Transport {
	return &socketTransport{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

func (s *socketTransport) Type() Type { return Socket }

func (s *socketTransport) Read(p []byte) (int, error) {
	s.mu.RLock()
	zr := s.zlibR
	s.mu.RUnlock()
	if zr != nil {
		return zr.Read(p)
	}
	return s.br.Read(p)
}

func (s *socketTransport) Write(p []byte) (int, error) {
	n, err := s.bw.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.bw.Flush()
}

func (s *socketTransport) WriteString(str string) error {
	_, err := s.Write([]byte(str))
	return err
}

func (s *socketTransport) Close() error { return s.conn.Close() }

func (s *socketTransport) StartTLS(cfg *tls.Config, asClient bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conn.(*tls.Conn); ok {
		return
	}
	var tlsConn *tls.Conn
	if asClient {
		tlsConn = tls.Client(s.conn, cfg)
	} else {
		tlsConn = tls.Server(s.conn, cfg)
	}
	s.conn = tlsConn
	s.br = bufio.NewReader(tlsConn)
	s.bw = bufio.NewWriter(tlsConn)
}

func (s *socketTransport) EnableCompression(level compress.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressed = true
	zw, err := compress.NewZlibWriter(s.conn, level)
	if err != nil {
		return
	}
	s.bw = bufio.NewWriter(zw)
	zr, err := compress.NewZlibReader(s.br)
	if err != nil {
		return
	}
	s.zlibR = zr
}

func (s *socketTransport) ChannelBindingBytes(mechanism string) []byte {
	tlsConn, ok := s.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tlsConn.ConnectionState()
	switch mechanism {
	case "tls-unique":
		// populated by crypto/tls on resumed/renegotiated connections only;
		// absent here means "no channel binding available".
		_ = state
		return nil
	}
	return nil
}
