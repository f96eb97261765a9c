/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package presence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

type fakeRosterHook struct {
	contacts []*hook.RosterItem
}

func (f *fakeRosterHook) GetContacts(owner string) ([]*hook.RosterItem, error) { return f.contacts, nil }
func (f *fakeRosterHook) GetContact(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{Owner: owner, Contact: contact}, nil
}
func (f *fakeRosterHook) UpdateContact(owner string, contact *jid.JID, name string, groups []string) error {
	return nil
}
func (f *fakeRosterHook) RemoveContact(owner string, contact *jid.JID) error { return nil }
func (f *fakeRosterHook) GetPending(owner string) ([]*hook.RosterItem, error) { return nil, nil }
func (f *fakeRosterHook) IsPending(owner string, contact *jid.JID) (bool, error) { return false, nil }
func (f *fakeRosterHook) OutboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) OutboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) OutboundUnsubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) OutboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) InboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, bool, error) {
	return &hook.RosterItem{}, false, nil
}
func (f *fakeRosterHook) InboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) InboundUnsubscribe(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) InboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) CancelPendingOut(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (f *fakeRosterHook) CancelPendingIn(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
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

func (f *fakeC2S) ID() string                     { return "stream-" + f.username }
func (f *fakeC2S) Context() *router.Context       { return f.ctx }
func (f *fakeC2S) Username() string               { return f.username }
func (f *fakeC2S) Domain() string                 { return f.j.Domain() }
func (f *fakeC2S) Resource() string                { return f.j.Resource() }
func (f *fakeC2S) JID() *jid.JID                  { return f.j }
func (f *fakeC2S) IsAuthenticated() bool          { return true }
func (f *fakeC2S) IsSecured() bool                { return true }
func (f *fakeC2S) IsCompressed() bool             { return false }
func (f *fakeC2S) Presence() *xmpp.Presence       { return nil }
func (f *fakeC2S) SendElement(elem xmpp.XElement) { f.sent = append(f.sent, elem) }
func (f *fakeC2S) Disconnect(err error)           {}

func contactItem(contact string, subscribedTo, subscribedFrom bool) *hook.RosterItem {
	j, _ := jid.NewWithString(contact, false)
	return &hook.RosterItem{Contact: j, SubscribedTo: subscribedTo, SubscribedFrom: subscribedFrom}
}

// TestPresenceBroadcastScope verifies that an available presence only
// reaches contacts whose subscription grants them "from"/"both" visibility,
// never a contact with "to"-only or "none" subscription (spec §8 "Presence
// broadcast scope... No leakage to none/to-only contacts").
func TestPresenceBroadcastScope(t *testing.T) {
	rh := &fakeRosterHook{contacts: []*hook.RosterItem{
		contactItem("bob@localhost", false, true),   // from: sees alice
		contactItem("carol@localhost", true, true),  // both: sees alice
		contactItem("dave@localhost", true, false),  // to only: must not see alice
		contactItem("erin@localhost", false, false), // none: must not see alice
	}}
	stm := newFakeC2S("alice", "localhost", "pc")
	bus := router.NewBus()
	p := New(stm, bus, nil, rh, nil)

	chans := make(map[string]*router.Channel)
	for _, user := range []string{"bob", "carol", "dave", "erin"} {
		ch := bus.NewChannel(user+"-chan", 4)
		bus.GroupAdd(router.UserGroup(user), ch)
		chans[user] = ch
	}

	avail := xmpp.NewPresence(stm.JID(), stm.JID().ToBareJID(), xmpp.AvailableType)
	p.ProcessPresence(avail)

	// initial presence also probes to/both contacts, so filter for the
	// availability broadcast specifically.
	for user, ch := range chans {
		gotAvailable := countType(drainMessages(ch), "presence.available") > 0
		switch user {
		case "bob", "carol":
			require.True(t, gotAvailable, "expected %s to see alice's availability", user)
		default:
			require.False(t, gotAvailable, "availability leaked to %s", user)
		}
	}
}

// TestPresenceDirectedCleanupOnUnavailable verifies that going unavailable
// sends an explicit unavailable to every JID that previously received
// directed presence (spec §8 "Directed-presence cleanup").
func TestPresenceDirectedCleanupOnUnavailable(t *testing.T) {
	rh := &fakeRosterHook{}
	stm := newFakeC2S("alice", "localhost", "pc")
	bus := router.NewBus()
	p := New(stm, bus, nil, rh, nil)

	other, _ := jid.NewWithString("frank@localhost/phone", false)
	ch := bus.NewChannel(other.String(), 4)
	bus.GroupAdd(router.UserGroup("frank"), ch)

	directed := xmpp.NewPresence(stm.JID(), other, xmpp.AvailableType)
	p.ProcessPresence(directed)
	require.Len(t, p.directed, 1)
	require.Equal(t, 1, countType(drainMessages(ch), "presence.available"))

	unavail := xmpp.NewPresence(stm.JID(), stm.JID().ToBareJID(), xmpp.UnavailableType)
	p.ProcessPresence(unavail)

	require.Empty(t, p.directed)
	select {
	case msg := <-ch.Receive():
		require.Equal(t, "presence.unavailable", msg.Type)
	default:
		t.Fatal("expected a cleanup unavailable on the directed target's channel")
	}
}

// memRosterHook is a transition-capable in-memory roster store, used by
// the subscription tests that need both halves of the state machine to
// actually move.
type memRosterHook struct {
	items map[string]*hook.RosterItem
}

func newMemRosterHook() *memRosterHook {
	return &memRosterHook{items: make(map[string]*hook.RosterItem)}
}

func memKey(owner string, contact *jid.JID) string {
	return owner + "|" + contact.ToBareJID().String()
}

func (m *memRosterHook) lookup(owner string, contact *jid.JID) *hook.RosterItem {
	return m.items[memKey(owner, contact)]
}

func (m *memRosterHook) getOrCreate(owner string, contact *jid.JID) *hook.RosterItem {
	item := m.items[memKey(owner, contact)]
	if item == nil {
		item = &hook.RosterItem{Owner: owner, Contact: contact.ToBareJID()}
		m.items[memKey(owner, contact)] = item
	}
	return item
}

func (m *memRosterHook) GetContacts(owner string) ([]*hook.RosterItem, error) {
	var out []*hook.RosterItem
	for k, v := range m.items {
		if len(k) > len(owner)+1 && k[:len(owner)+1] == owner+"|" {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memRosterHook) GetContact(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.lookup(owner, contact)
	if item == nil {
		return nil, nil
	}
	c := *item
	return &c, nil
}

func (m *memRosterHook) UpdateContact(owner string, contact *jid.JID, name string, groups []string) error {
	item := m.getOrCreate(owner, contact)
	item.InRoster = true
	item.Name = name
	item.Groups = groups
	return nil
}

func (m *memRosterHook) RemoveContact(owner string, contact *jid.JID) error {
	delete(m.items, memKey(owner, contact))
	return nil
}

func (m *memRosterHook) GetPending(owner string) ([]*hook.RosterItem, error) { return nil, nil }

func (m *memRosterHook) IsPending(owner string, contact *jid.JID) (bool, error) {
	item := m.lookup(owner, contact)
	return item != nil && item.PendingIn, nil
}

func (m *memRosterHook) OutboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	if !item.SubscribedTo {
		item.PendingOut = true
	}
	item.StanzaOut = stanza
	return item, nil
}

func (m *memRosterHook) OutboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	if item.PendingIn {
		item.PendingIn = false
		item.SubscribedFrom = true
	} else if !item.SubscribedFrom {
		item.Preapproved = true
	}
	return item, nil
}

func (m *memRosterHook) OutboundUnsubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	item.SubscribedTo = false
	item.PendingOut = false
	item.StanzaOut = stanza
	return item, nil
}

func (m *memRosterHook) OutboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	item.SubscribedFrom = false
	item.PendingIn = false
	item.Preapproved = false
	return item, nil
}

func (m *memRosterHook) InboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, bool, error) {
	item := m.getOrCreate(owner, contact)
	autoAccepted := false
	switch {
	case item.SubscribedFrom:
	case item.Preapproved:
		item.Preapproved = false
		item.SubscribedFrom = true
		autoAccepted = true
	default:
		item.PendingIn = true
		item.StanzaIn = stanza
	}
	return item, autoAccepted, nil
}

func (m *memRosterHook) InboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	item.PendingOut = false
	item.SubscribedTo = true
	return item, nil
}

func (m *memRosterHook) InboundUnsubscribe(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	item.SubscribedFrom = false
	item.PendingIn = false
	return item, nil
}

func (m *memRosterHook) InboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	item.SubscribedTo = false
	item.PendingOut = false
	return item, nil
}

func (m *memRosterHook) CancelPendingOut(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	item.PendingOut = false
	return item, nil
}

func (m *memRosterHook) CancelPendingIn(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item := m.getOrCreate(owner, contact)
	item.PendingIn = false
	return item, nil
}

func drainMessages(ch *router.Channel) []router.Message {
	var out []router.Message
	for {
		select {
		case msg := <-ch.Receive():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func countType(msgs []router.Message, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// TestMutualSubscriptionYieldsBoth walks the full handshake of spec §8
// "Roster symmetry": subscribe/subscribed in each direction ends with
// subscription=both on both sides, with roster pushes along the way.
func TestMutualSubscriptionYieldsBoth(t *testing.T) {
	store := newMemRosterHook()
	bus := router.NewBus()

	alice := newFakeC2S("alice", "localhost", "pc")
	bob := newFakeC2S("bob", "localhost", "tab")
	pa := New(alice, bus, nil, store, nil)
	pb := New(bob, bus, nil, store, nil)

	aCh := bus.NewChannel(alice.JID().String(), 16)
	bus.GroupAdd(router.UserGroup("alice"), aCh)
	bCh := bus.NewChannel(bob.JID().String(), 16)
	bus.GroupAdd(router.UserGroup("bob"), bCh)

	bobBare, _ := jid.NewWithString("bob@localhost", false)
	aliceBare, _ := jid.NewWithString("alice@localhost", false)

	pa.ProcessPresence(xmpp.NewPresence(alice.JID(), bobBare, xmpp.SubscribeType))
	require.True(t, store.lookup("alice", bobBare).PendingOut)
	require.True(t, store.lookup("bob", aliceBare).PendingIn)
	require.GreaterOrEqual(t, countType(drainMessages(bCh), "presence.subscription"), 1)

	pb.ProcessPresence(xmpp.NewPresence(bob.JID(), aliceBare, xmpp.SubscribedType))
	require.Equal(t, hook.SubFrom, store.lookup("bob", aliceBare).Subscription())
	require.Equal(t, hook.SubTo, store.lookup("alice", bobBare).Subscription())
	require.GreaterOrEqual(t, countType(drainMessages(aCh), "roster.push"), 1)

	pb.ProcessPresence(xmpp.NewPresence(bob.JID(), aliceBare, xmpp.SubscribeType))
	pa.ProcessPresence(xmpp.NewPresence(alice.JID(), bobBare, xmpp.SubscribedType))

	require.Equal(t, hook.SubBoth, store.lookup("alice", bobBare).Subscription())
	require.Equal(t, hook.SubBoth, store.lookup("bob", aliceBare).Subscription())
	require.GreaterOrEqual(t, countType(drainMessages(aCh), "roster.push"), 1)
	require.GreaterOrEqual(t, countType(drainMessages(bCh), "roster.push"), 1)
}

// TestPreApprovalShortcut verifies spec §8 "Pre-approval shortcut": a
// pre-approved inbound subscribe converts straight to a from-subscription
// without ever entering pending-in.
func TestPreApprovalShortcut(t *testing.T) {
	store := newMemRosterHook()
	bus := router.NewBus()

	alice := newFakeC2S("alice", "localhost", "pc")
	bob := newFakeC2S("bob", "localhost", "tab")
	pa := New(alice, bus, nil, store, nil)
	pb := New(bob, bus, nil, store, nil)

	aCh := bus.NewChannel(alice.JID().String(), 16)
	bus.GroupAdd(router.UserGroup("alice"), aCh)

	bobBare, _ := jid.NewWithString("bob@localhost", false)
	aliceBare, _ := jid.NewWithString("alice@localhost", false)

	// bob approves before alice ever asks.
	pb.ProcessPresence(xmpp.NewPresence(bob.JID(), aliceBare, xmpp.SubscribedType))
	require.True(t, store.lookup("bob", aliceBare).Preapproved)

	pa.ProcessPresence(xmpp.NewPresence(alice.JID(), bobBare, xmpp.SubscribeType))

	bobItem := store.lookup("bob", aliceBare)
	require.True(t, bobItem.SubscribedFrom)
	require.False(t, bobItem.PendingIn)
	require.False(t, bobItem.Preapproved)
	require.True(t, store.lookup("alice", bobBare).SubscribedTo)

	var sawSubscribed bool
	for _, msg := range drainMessages(aCh) {
		if msg.Type == "presence.subscription" && msg.XML != nil && msg.XML.Type() == xmpp.SubscribedType {
			sawSubscribed = true
		}
	}
	require.True(t, sawSubscribed, "alice should receive the synthesized subscribed stanza")
}

// TestSubscriptionIdempotence verifies spec §8: repeating an
// already-satisfied subscribe produces no roster push and no state
// change, but the stanza is still forwarded to the contact.
func TestSubscriptionIdempotence(t *testing.T) {
	store := newMemRosterHook()
	bus := router.NewBus()

	alice := newFakeC2S("alice", "localhost", "pc")
	pa := New(alice, bus, nil, store, nil)

	bobBare, _ := jid.NewWithString("bob@localhost", false)
	aliceBare, _ := jid.NewWithString("alice@localhost", false)
	store.getOrCreate("alice", bobBare).SubscribedTo = true
	store.getOrCreate("bob", aliceBare).SubscribedFrom = true

	aCh := bus.NewChannel(alice.JID().String(), 16)
	bus.GroupAdd(router.UserGroup("alice"), aCh)
	bCh := bus.NewChannel("bob@localhost/tab", 16)
	bus.GroupAdd(router.UserGroup("bob"), bCh)

	pa.ProcessPresence(xmpp.NewPresence(alice.JID(), bobBare, xmpp.SubscribeType))

	require.True(t, store.lookup("alice", bobBare).SubscribedTo)
	require.False(t, store.lookup("alice", bobBare).PendingOut)
	require.Zero(t, countType(drainMessages(aCh), "roster.push"))
	require.GreaterOrEqual(t, countType(drainMessages(bCh), "presence.subscription"), 1)
}
