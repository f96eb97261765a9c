/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package router

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/xmpp"
)

type fakeStream struct {
	j    *jid.JID
	sent []xmpp.XElement
}

func (f *fakeStream) ID() string             { return f.j.String() }
func (f *fakeStream) Context() *Context       { return nil }
func (f *fakeStream) Username() string        { return f.j.Node() }
func (f *fakeStream) Domain() string          { return f.j.Domain() }
func (f *fakeStream) Resource() string        { return f.j.Resource() }
func (f *fakeStream) JID() *jid.JID           { return f.j }
func (f *fakeStream) IsAuthenticated() bool   { return true }
func (f *fakeStream) IsSecured() bool         { return true }
func (f *fakeStream) Presence() *xmpp.Presence { return nil }
func (f *fakeStream) SendElement(elem xmpp.XElement) {
	f.sent = append(f.sent, elem)
}
func (f *fakeStream) Disconnect(err error) {}

func newFakeStream(t *testing.T, jidStr string) *fakeStream {
	j, err := jid.NewWithString(jidStr, false)
	require.NoError(t, err)
	return &fakeStream{j: j}
}

func TestBindUnbindAndUserStreams(t *testing.T) {
	r := New("localhost")
	s1 := newFakeStream(t, "ortuman@localhost/yard")
	s2 := newFakeStream(t, "ortuman@localhost/balcony")

	r.Bind(s1)
	r.Bind(s2)

	stms := r.UserStreams("ortuman")
	require.Len(t, stms, 2)
	require.True(t, r.IsLocalUser("ortuman"))

	r.Unbind(s1)
	stms = r.UserStreams("ortuman")
	require.Len(t, stms, 1)
	require.Equal(t, "balcony", stms[0].Resource())

	r.Unbind(s2)
	require.False(t, r.IsLocalUser("ortuman"))
}

func TestRouteFullJID(t *testing.T) {
	r := New("localhost")
	s1 := newFakeStream(t, "ortuman@localhost/yard")
	r.Bind(s1)

	to, err := jid.NewWithString("ortuman@localhost/yard", false)
	require.NoError(t, err)
	msg := xmpp.NewMessageType("id1", xmpp.ChatType)
	msg.SetToJID(to)

	err = r.Route(msg)
	require.NoError(t, err)
	require.Len(t, s1.sent, 1)
}

func TestRouteBareJIDFansOutToAllResources(t *testing.T) {
	r := New("localhost")
	s1 := newFakeStream(t, "ortuman@localhost/yard")
	s2 := newFakeStream(t, "ortuman@localhost/balcony")
	r.Bind(s1)
	r.Bind(s2)

	to, err := jid.NewWithString("ortuman@localhost", false)
	require.NoError(t, err)
	msg := xmpp.NewMessageType("id1", xmpp.ChatType)
	msg.SetToJID(to)

	err = r.Route(msg)
	require.NoError(t, err)
	require.Len(t, s1.sent, 1)
	require.Len(t, s2.sent, 1)
}

func TestRouteResourceNotFound(t *testing.T) {
	r := New("localhost")
	to, err := jid.NewWithString("noone@localhost/yard", false)
	require.NoError(t, err)
	msg := xmpp.NewMessageType("id1", xmpp.ChatType)
	msg.SetToJID(to)

	err = r.Route(msg)
	require.Equal(t, ErrResourceNotFound, err)
}

func TestRouteRemoteDomainFails(t *testing.T) {
	r := New("localhost")
	to, err := jid.NewWithString("someone@remote.org/yard", false)
	require.NoError(t, err)
	msg := xmpp.NewMessageType("id1", xmpp.ChatType)
	msg.SetToJID(to)

	err = r.Route(msg)
	require.Equal(t, ErrFailedRemoteConnect, err)
}

type blockAll struct{}

func (blockAll) IsBlockedJID(username string, contact *jid.JID) bool { return true }

func TestRouteBlockedJID(t *testing.T) {
	r := New("localhost")
	r.SetBlockRule(blockAll{})
	s1 := newFakeStream(t, "ortuman@localhost/yard")
	r.Bind(s1)

	to, err := jid.NewWithString("ortuman@localhost/yard", false)
	require.NoError(t, err)
	msg := xmpp.NewMessageType("id1", xmpp.ChatType)
	msg.SetToJID(to)

	err = r.Route(msg)
	require.Equal(t, ErrBlockedJID, err)
}

func TestIPCBusGroupSend(t *testing.T) {
	b := NewBus()
	ch := b.NewChannel("ortuman@localhost/yard", 4)
	b.GroupAdd(UserGroup("ortuman"), ch)

	b.GroupSend(UserGroup("ortuman"), Message{Type: "presence.available"})

	select {
	case msg := <-ch.Receive():
		require.Equal(t, "presence.available", msg.Type)
	default:
		t.Fatal("expected message on channel")
	}
}
