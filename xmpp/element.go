/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package xmpp provides the typed stanza/stream element model and its
// on-wire XML serialization.
package xmpp

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xmppcore/xmppd/jid"
)

// XElement represents a generic XML node element; IQ, Message and Presence
// stanzas, as well as every stream-level element, satisfy this interface.
type XElement interface {
	Name() string
	Namespace() string
	Attributes() AttributeSet
	Elements() ElementSet
	Text() string

	ID() string
	Type() string
	Language() string
	To() string
	From() string

	ToJID() *jid.JID
	FromJID() *jid.JID

	IsError() bool
	IsStanza() bool

	String() string
	ToXML(w io.Writer, includeClosing bool)
}

// Element is the concrete, mutable implementation of XElement.
type Element struct {
	name       string
	namespace  string
	text       string
	attributes attributeSet
	elements   elementSet

	toJID   *jid.JID
	fromJID *jid.JID
}

// NewElementName creates an Element instance with a given name.
func NewElementName(name string) *Element {
	return &Element{name: name}
}

// NewElementNamespace creates an Element instance with a given name and namespace.
func NewElementNamespace(name, namespace string) *Element {
	e := &Element{name: name}
	e.SetNamespace(namespace)
	return e
}

// NewElementFromElement creates a shallow copy of an existing element.
func NewElementFromElement(from XElement) *Element {
	e := &Element{}
	e.copyFrom(from)
	return e
}

func (e *Element) copyFrom(from XElement) {
	e.name = from.Name()
	e.namespace = from.Namespace()
	e.text = from.Text()
	e.attributes = nil
	for _, a := range from.Attributes().All() {
		e.attributes.setAttribute(a.Label, a.Value)
	}
	e.elements = nil
	e.elements.appendElements(from.Elements().All())
}

// Name returns XML node name.
func (e *Element) Name() string { return e.name }

// SetName sets the XML node name.
func (e *Element) SetName(name string) { e.name = name }

// Namespace returns XML node namespace.
func (e *Element) Namespace() string { return e.namespace }

// SetNamespace sets the XML node namespace.
func (e *Element) SetNamespace(namespace string) {
	e.namespace = namespace
	if len(namespace) > 0 {
		e.attributes.setAttribute("xmlns", namespace)
	}
}

// Text returns the XML node text value.
func (e *Element) Text() string { return e.text }

// SetText sets the XML node text value.
func (e *Element) SetText(text string) { e.text = text }

// Attributes returns the node attribute set.
func (e *Element) Attributes() AttributeSet { return e.attributes }

// SetAttribute sets an XML node attribute (label=value).
func (e *Element) SetAttribute(label, value string) { e.attributes.setAttribute(label, value) }

// RemoveAttribute removes an XML node attribute.
func (e *Element) RemoveAttribute(label string) { e.attributes.removeAttribute(label) }

// Elements returns the node child element set.
func (e *Element) Elements() ElementSet { return e.elements }

// AppendElement appends a new sub element.
func (e *Element) AppendElement(elem XElement) { e.elements.append(elem) }

// AppendElements appends an array of sub elements.
func (e *Element) AppendElements(elems []XElement) { e.elements.appendElements(elems) }

// RemoveElements removes all elements with a given name.
func (e *Element) RemoveElements(name string) { e.elements.remove(name) }

// ID returns the 'id' attribute value.
func (e *Element) ID() string { return e.attributes.Get("id") }

// SetID sets the 'id' attribute value.
func (e *Element) SetID(identifier string) { e.SetAttribute("id", identifier) }

// Type returns the 'type' attribute value.
func (e *Element) Type() string { return e.attributes.Get("type") }

// SetType sets the 'type' attribute value.
func (e *Element) SetType(t string) { e.SetAttribute("type", t) }

// Language returns the 'xml:lang' attribute value.
func (e *Element) Language() string { return e.attributes.Get("xml:lang") }

// To returns the 'to' attribute value.
func (e *Element) To() string { return e.attributes.Get("to") }

// SetTo sets the 'to' attribute value.
func (e *Element) SetTo(to string) { e.SetAttribute("to", to) }

// From returns the 'from' attribute value.
func (e *Element) From() string { return e.attributes.Get("from") }

// SetFrom sets the 'from' attribute value.
func (e *Element) SetFrom(from string) { e.SetAttribute("from", from) }

// ToJID returns the cached 'to' JID, if previously assigned via SetToJID.
func (e *Element) ToJID() *jid.JID { return e.toJID }

// SetToJID caches a parsed 'to' JID alongside the raw attribute.
func (e *Element) SetToJID(j *jid.JID) {
	e.toJID = j
	if j != nil {
		e.SetTo(j.String())
	}
}

// FromJID returns the cached 'from' JID, if previously assigned via SetFromJID.
func (e *Element) FromJID() *jid.JID { return e.fromJID }

// SetFromJID caches a parsed 'from' JID alongside the raw attribute.
func (e *Element) SetFromJID(j *jid.JID) {
	e.fromJID = j
	if j != nil {
		e.SetFrom(j.String())
	}
}

// IsError returns true if the element has a 'type' attribute of value 'error'.
func (e *Element) IsError() bool { return e.Type() == ErrorType }

// IsStanza returns true if the element is one of the three top level
// stanzas: iq, presence or message.
func (e *Element) IsStanza() bool {
	switch e.name {
	case "iq", "presence", "message":
		return true
	}
	return false
}

// Delay appends an XEP-0203 delayed-delivery stamp to the element.
func (e *Element) Delay(from, reason string) {
	delay := NewElementNamespace("delay", "urn:xmpp:delay")
	delay.SetAttribute("from", from)
	delay.SetAttribute("stamp", time.Now().UTC().Format(time.RFC3339))
	if len(reason) > 0 {
		delay.SetText(reason)
	}
	e.AppendElement(delay)
}

// String returns a serialized string representation of the element.
func (e *Element) String() string {
	var sb strings.Builder
	e.ToXML(&sb, true)
	return sb.String()
}

// ToXML serializes the element (and its children) as on-wire XML.
func (e *Element) ToXML(w io.Writer, includeClosing bool) {
	fmt.Fprintf(w, "<%s", e.name)
	for _, attr := range e.attributes {
		fmt.Fprintf(w, ` %s="%s"`, attr.Label, escapeXML(attr.Value))
	}
	if len(e.elements) == 0 && len(e.text) == 0 {
		if includeClosing {
			fmt.Fprint(w, "/>")
		} else {
			fmt.Fprint(w, ">")
		}
		return
	}
	fmt.Fprint(w, ">")
	if len(e.text) > 0 {
		fmt.Fprint(w, escapeXML(e.text))
	}
	for _, child := range e.elements {
		child.ToXML(w, true)
	}
	if includeClosing {
		fmt.Fprintf(w, "</%s>", e.name)
	}
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		`&`, "&amp;",
		`<`, "&lt;",
		`>`, "&gt;",
		`"`, "&quot;",
		`'`, "&apos;",
	)
	return r.Replace(s)
}
