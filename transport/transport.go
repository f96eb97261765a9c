/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package transport abstracts the three wire-level carriers a stream can
// ride on: a raw TCP socket, a WebSocket connection, and a BOSH
// long-polling session (spec components J/K/L).
package transport

import (
	"crypto/tls"
	"io"

	"github.com/xmppcore/xmppd/transport/compress"
)

// Type identifies the underlying channel a Transport rides on.
type Type int

const (
	// Socket identifies a raw TCP (optionally TLS-upgraded) connection.
	Socket Type = iota
	// WebSocket identifies a RFC 7395 framed WebSocket connection.
	WebSocket
	// BOSH identifies a XEP-0124/0206 long-polling HTTP session.
	BOSH
)

// Transport represents a stream connection that byte data is sent to and
// received from.
type Transport interface {
	io.Reader
	io.Writer

	// Type returns the transport channel type.
	Type() Type

	// WriteString writes a raw string to the underlying channel.
	WriteString(s string) error

	// Close shuts down the underlying channel.
	Close() error

	// StartTLS secures the connection, upgrading a Socket transport
	// in-place (spec §4.L STARTTLS).
	StartTLS(cfg *tls.Config, asClient bool)

	// EnableCompression enables stream compression at the given zlib level.
	EnableCompression(level compress.Level)

	// ChannelBindingBytes reports channel-binding data for SCRAM/TLS
	// channel-binding. Every transport in this module returns nil,
	// TLS-secured sockets included.
	ChannelBindingBytes(mechanism string) []byte
}
