/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package parser implements the incremental XML pull-parser used by the
// TCP and WebSocket transports (spec component L): it folds a byte stream
// into a sequence of depth-1 elements, with the depth-1 open tag treated
// as the stream header.
package parser

import (
	"encoding/xml"
	"fmt"
	"io"

	xmppxml "github.com/xmppcore/xmppd/xmpp"
)

// ErrStreamClosedByPeer is returned by Parser.ParseElement when the input reaches
// EOF without an intervening stream closing tag.
var ErrStreamClosedByPeer = fmt.Errorf("parser: stream closed by peer")

// ErrTooLarge is returned when a single top-level stanza exceeds the
// configured maximum size.
var ErrTooLarge = fmt.Errorf("parser: stanza exceeds maximum permitted size")

// Parser incrementally decodes XML read from r, yielding the stream header
// once and then one XElement per depth-1 stanza/element.
type Parser struct {
	dec        *xml.Decoder
	maxSize    int
	inStream   bool
	streamName string
}

// New returns a Parser reading from r, rejecting any single element whose
// serialized form exceeds maxStanzaSize bytes (0 disables the limit).
func New(r io.Reader, maxStanzaSize int) *Parser {
	return &Parser{dec: xml.NewDecoder(r), maxSize: maxStanzaSize}
}

// NewFragment returns a Parser reading a single standalone element (no
// enclosing stream header) out of r, e.g. a stanza persisted to storage
// or a BOSH <body/>'s stanza children. Unlike New, the first depth-1
// start element is treated as the element to parse rather than as a
// stream-open tag.
func NewFragment(r io.Reader, maxStanzaSize int) *Parser {
	return &Parser{dec: xml.NewDecoder(r), maxSize: maxStanzaSize, inStream: true}
}

// ParseElement reads tokens from the underlying reader until a full
// depth-1 element (the stream header itself, on first call) has been
// read, then returns it.
func (p *Parser) ParseElement() (xmppxml.XElement, error) {
	var stack []*xmppxml.Element
	var root *xmppxml.Element

	for {
		tok, err := p.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, ErrStreamClosedByPeer
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := xmppxml.NewElementName(localName(t.Name))
			if len(t.Name.Space) > 0 {
				el.SetNamespace(t.Name.Space)
			}
			for _, a := range t.Attr {
				label := a.Name.Local
				if len(a.Name.Space) > 0 {
					label = a.Name.Space + ":" + label
				}
				el.SetAttribute(label, a.Value)
			}
			if len(stack) == 0 {
				if !p.inStream {
					// depth-1 open tag is the stream header itself.
					p.inStream = true
					p.streamName = el.Name()
					return el, nil
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.AppendElement(el)
			}
			stack = append(stack, el)

		case xml.EndElement:
			if len(stack) == 0 {
				// closing the stream header.
				return nil, io.EOF
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				if p.maxSize > 0 && len(root.String()) > p.maxSize {
					return nil, ErrTooLarge
				}
				return root, nil
			}

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].SetText(stack[len(stack)-1].Text() + string(t))
			}
		}
	}
}

func localName(name xml.Name) string {
	// encoding/xml resolves bare "stream" prefix declarations into a
	// namespace URI; restore the conventional "stream:" local form
	// jackal and most XMPP servers use on the wire.
	if name.Space == "http://etherx.jabber.org/streams" {
		return "stream:" + name.Local
	}
	return name.Local
}
