/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package roster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

type fakeRosterHook struct {
	items map[string]*hook.RosterItem

	updateErr error
	removeErr error
}

func key(owner string, contact *jid.JID) string { return owner + "|" + contact.ToBareJID().String() }

func newFakeRosterHook() *fakeRosterHook {
	return &fakeRosterHook{items: make(map[string]*hook.RosterItem)}
}

func (f *fakeRosterHook) GetContacts(owner string) ([]*hook.RosterItem, error) {
	var out []*hook.RosterItem
	for k, v := range f.items {
		if len(k) > len(owner) && k[:len(owner)] == owner {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeRosterHook) GetContact(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	if item, ok := f.items[key(owner, contact)]; ok {
		return item, nil
	}
	return &hook.RosterItem{Owner: owner, Contact: contact}, nil
}

func (f *fakeRosterHook) UpdateContact(owner string, contact *jid.JID, name string, groups []string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	item := f.getOrCreate(owner, contact)
	item.InRoster = true
	item.Name = name
	item.Groups = groups
	return nil
}

func (f *fakeRosterHook) RemoveContact(owner string, contact *jid.JID) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.items, key(owner, contact))
	return nil
}

func (f *fakeRosterHook) GetPending(owner string) ([]*hook.RosterItem, error) { return nil, nil }
func (f *fakeRosterHook) IsPending(owner string, contact *jid.JID) (bool, error) {
	item := f.getOrCreate(owner, contact)
	return item.PendingIn, nil
}

func (f *fakeRosterHook) getOrCreate(owner string, contact *jid.JID) *hook.RosterItem {
	k := key(owner, contact)
	item, ok := f.items[k]
	if !ok {
		item = &hook.RosterItem{Owner: owner, Contact: contact}
		f.items[k] = item
	}
	return item
}

func (f *fakeRosterHook) OutboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.PendingOut = true
	item.StanzaOut = stanza
	return item, nil
}

func (f *fakeRosterHook) OutboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	if item.PendingIn {
		item.PendingIn = false
		item.SubscribedFrom = true
	} else {
		item.Preapproved = true
	}
	return item, nil
}

func (f *fakeRosterHook) OutboundUnsubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.SubscribedTo = false
	item.PendingOut = false
	return item, nil
}

func (f *fakeRosterHook) OutboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.SubscribedFrom = false
	return item, nil
}

func (f *fakeRosterHook) InboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, bool, error) {
	item := f.getOrCreate(owner, contact)
	if item.Preapproved {
		item.Preapproved = false
		item.SubscribedFrom = true
		return item, true, nil
	}
	item.PendingIn = true
	item.StanzaIn = stanza
	return item, false, nil
}

func (f *fakeRosterHook) InboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.PendingOut = false
	item.SubscribedTo = true
	return item, nil
}

func (f *fakeRosterHook) InboundUnsubscribe(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.SubscribedFrom = false
	return item, nil
}

func (f *fakeRosterHook) InboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.SubscribedTo = false
	return item, nil
}

func (f *fakeRosterHook) CancelPendingOut(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.PendingOut = false
	return item, nil
}

func (f *fakeRosterHook) CancelPendingIn(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := f.getOrCreate(owner, contact)
	item.PendingIn = false
	return item, nil
}

type fakeC2S struct {
	username string
	j        *jid.JID
	ctx      *router.Context
	sent     []xmpp.XElement
}

func newFakeC2S(username, domain, resource string) *fakeC2S {
	ctx, _ := router.NewContext()
	j, _ := jid.New(username, domain, resource, false)
	return &fakeC2S{username: username, j: j, ctx: ctx}
}

func (f *fakeC2S) ID() string               { return "stream-" + f.username }
func (f *fakeC2S) Context() *router.Context { return f.ctx }
func (f *fakeC2S) Username() string         { return f.username }
func (f *fakeC2S) Domain() string           { return f.j.Domain() }
func (f *fakeC2S) Resource() string         { return f.j.Resource() }
func (f *fakeC2S) JID() *jid.JID            { return f.j }
func (f *fakeC2S) IsAuthenticated() bool    { return true }
func (f *fakeC2S) IsSecured() bool          { return true }
func (f *fakeC2S) IsCompressed() bool       { return false }
func (f *fakeC2S) Presence() *xmpp.Presence { return nil }
func (f *fakeC2S) SendElement(elem xmpp.XElement) { f.sent = append(f.sent, elem) }
func (f *fakeC2S) Disconnect(err error)           {}

func (f *fakeC2S) lastSent() xmpp.XElement {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func setItemIQ(contactJID, name string) *xmpp.IQ {
	iq := xmpp.NewIQType("s1", xmpp.SetType)
	query := xmpp.NewElementNamespace("query", rosterNamespace)
	item := xmpp.NewElementName("item")
	item.SetAttribute("jid", contactJID)
	if name != "" {
		item.SetAttribute("name", name)
	}
	query.AppendElement(item)
	iq.AppendElement(query)
	return iq
}

func TestRosterGetEmpty(t *testing.T) {
	rh := newFakeRosterHook()
	stm := newFakeC2S("alice", "localhost", "pc")
	r := New(stm, router.NewBus(), rh, nil)

	iq := xmpp.NewIQType("g1", xmpp.GetType)
	query := xmpp.NewElementNamespace("query", rosterNamespace)
	iq.AppendElement(query)

	r.ProcessIQ(iq)

	result, ok := stm.lastSent().(*xmpp.IQ)
	require.True(t, ok)
	require.True(t, result.IsResult())
	require.True(t, r.interested)
}

func TestRosterSetUpdateAddsContact(t *testing.T) {
	rh := newFakeRosterHook()
	stm := newFakeC2S("alice", "localhost", "pc")
	r := New(stm, router.NewBus(), rh, nil)

	iq := setItemIQ("bob@localhost", "Bob")
	r.ProcessIQ(iq)

	result, ok := stm.lastSent().(*xmpp.IQ)
	require.True(t, ok)
	require.True(t, result.IsResult())

	contact, _ := jid.NewWithString("bob@localhost", false)
	item, err := rh.GetContact("alice", contact)
	require.NoError(t, err)
	require.True(t, item.InRoster)
	require.Equal(t, "Bob", item.Name)
}

func TestRosterSetOwnBareJIDRejected(t *testing.T) {
	rh := newFakeRosterHook()
	stm := newFakeC2S("alice", "localhost", "pc")
	r := New(stm, router.NewBus(), rh, nil)

	iq := setItemIQ("alice@localhost", "")
	r.ProcessIQ(iq)

	result := stm.lastSent()
	require.Equal(t, xmpp.ErrorType, result.Type())
}

func TestRosterSetMultipleItemsRejected(t *testing.T) {
	rh := newFakeRosterHook()
	stm := newFakeC2S("alice", "localhost", "pc")
	r := New(stm, router.NewBus(), rh, nil)

	iq := xmpp.NewIQType("s1", xmpp.SetType)
	query := xmpp.NewElementNamespace("query", rosterNamespace)
	item1 := xmpp.NewElementName("item")
	item1.SetAttribute("jid", "bob@localhost")
	item2 := xmpp.NewElementName("item")
	item2.SetAttribute("jid", "carol@localhost")
	query.AppendElement(item1)
	query.AppendElement(item2)
	iq.AppendElement(query)

	r.ProcessIQ(iq)

	result := stm.lastSent()
	require.Equal(t, xmpp.ErrorType, result.Type())
}

func TestRosterPushOnlyReachesInterestedStreams(t *testing.T) {
	rh := newFakeRosterHook()
	stm := newFakeC2S("alice", "localhost", "pc")
	r := New(stm, router.NewBus(), rh, nil)

	bob, _ := jid.NewWithString("bob@localhost", false)
	msg := PushMessage("alice", bob)

	r.ipcPush(msg)
	require.Empty(t, stm.sent, "a stream that never executed roster get must not receive a push")

	r.interested = true
	r.ipcPush(msg)
	require.Len(t, stm.sent, 1)
}

func TestRosterPushDelayedDuringOwnSet(t *testing.T) {
	rh := newFakeRosterHook()
	stm := newFakeC2S("alice", "localhost", "pc")
	r := New(stm, router.NewBus(), rh, nil)
	r.interested = true

	r.delaying = true
	bob, _ := jid.NewWithString("bob@localhost", false)
	r.ipcPush(PushMessage("alice", bob))
	require.Empty(t, stm.sent)
	require.Len(t, r.delayed, 1)

	r.delaying = false
	for _, m := range r.delayed {
		r.deliverPush(m)
	}
	r.delayed = nil
	require.Len(t, stm.sent, 1)
}
