/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package bosh

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xmppcore/xmppd/c2s"
	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

type testAuthHook struct{}

func (testAuthHook) Bind(stm router.C2S)   {}
func (testAuthHook) Unbind(stm router.C2S) {}
func (testAuthHook) GetWebUserUsername(user string) (string, error)   { return "", nil }
func (testAuthHook) GetWebUserByUsername(name string) (string, error) { return "", nil }
func (testAuthHook) CheckWebUser(stm router.C2S, webUser, username string) (bool, error) {
	return false, nil
}
func (testAuthHook) CheckToken(stm router.C2S, username, token string) (bool, error) {
	return false, nil
}
func (testAuthHook) CheckPassword(stm router.C2S, username, password string) (bool, error) {
	return username == "alice" && password == "secret", nil
}
func (testAuthHook) ValidContact(name string) (bool, error)      { return true, nil }
func (testAuthHook) CreateUser(username, password string) error  { return nil }
func (testAuthHook) ChangePassword(username, password string) error { return nil }
func (testAuthHook) DeleteUser(username string) error            { return nil }

type testRosterHook struct{}

func (testRosterHook) GetContacts(owner string) ([]*hook.RosterItem, error) { return nil, nil }
func (testRosterHook) GetContact(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return nil, nil
}
func (testRosterHook) UpdateContact(owner string, contact *jid.JID, name string, groups []string) error {
	return nil
}
func (testRosterHook) RemoveContact(owner string, contact *jid.JID) error  { return nil }
func (testRosterHook) GetPending(owner string) ([]*hook.RosterItem, error) { return nil, nil }
func (testRosterHook) IsPending(owner string, contact *jid.JID) (bool, error) {
	return false, nil
}
func (testRosterHook) OutboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) OutboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) OutboundUnsubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) OutboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) InboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, bool, error) {
	return &hook.RosterItem{}, false, nil
}
func (testRosterHook) InboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) InboundUnsubscribe(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) InboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) CancelPendingOut(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}
func (testRosterHook) CancelPendingIn(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	return &hook.RosterItem{}, nil
}

type testSessionHook struct{}

func (testSessionHook) Bind(stm router.C2S) (bool, string, error) { return true, "test", nil }
func (testSessionHook) Unbind(stm router.C2S) error               { return nil }
func (testSessionHook) SetPresence(user, resource string, priority int8, stanza *xmpp.Presence) error {
	return nil
}
func (testSessionHook) GetPresence(j *jid.JID) (*xmpp.Presence, error)          { return nil, nil }
func (testSessionHook) GetAllPresences(user string) ([]*xmpp.Presence, error)   { return nil, nil }
func (testSessionHook) GetAllRosterPresences(users []string) ([]*xmpp.Presence, bool, error) {
	return nil, false, nil
}
func (testSessionHook) GetResource(j *jid.JID) (*hook.ResourceRecord, error)        { return nil, nil }
func (testSessionHook) GetAllResources(user string) ([]*hook.ResourceRecord, error) { return nil, nil }
func (testSessionHook) GetPreferredResource(user string) (string, error)            { return "", nil }
func (testSessionHook) KillResource(j *jid.JID) error                               { return nil }

func testManager(t *testing.T, inactivity time.Duration) *Manager {
	t.Helper()
	c2sCfg := &c2s.Config{
		Domain:             "localhost",
		MaxStanzaSize:      1 << 16,
		SASL:               []string{"PLAIN"},
		AllowPlainPassword: true,
	}
	deps := &c2s.Dependencies{
		Router:      router.New("localhost"),
		AuthHook:    testAuthHook{},
		RosterHook:  testRosterHook{},
		SessionHook: testSessionHook{},
	}
	cfg := Config{
		Domain:        "localhost",
		MinWait:       time.Second,
		MaxWait:       time.Second,
		MaxHold:       2,
		Inactivity:    inactivity,
		MaxStanzaSize: 1 << 16,
	}
	return NewManager(cfg, nil, c2sCfg, deps)
}

func post(t *testing.T, url, body string) string {
	t.Helper()
	resp, err := http.Post(url, "application/xml", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

func sidOf(t *testing.T, body string) string {
	t.Helper()
	i := strings.Index(body, `sid="`)
	require.GreaterOrEqual(t, i, 0, "creation reply carries no sid: %s", body)
	rest := body[i+len(`sid="`):]
	return rest[:strings.Index(rest, `"`)]
}

// TestBOSHCreateAndRetransmit covers spec §8 seed scenario 3: a session
// creation request answered with a sid, then the very same rid posted
// again returns the cached reply byte-for-byte.
func TestBOSHCreateAndRetransmit(t *testing.T) {
	srv := httptest.NewServer(NewHandler(testManager(t, time.Minute)))
	defer srv.Close()

	creation := `<body rid="100" to="localhost" hold="1" wait="1" ver="1.8" xmlns="http://jabber.org/protocol/httpbind"/>`
	first := post(t, srv.URL, creation)
	require.Contains(t, first, `sid="`)
	require.Contains(t, first, "mechanisms")

	second := post(t, srv.URL, creation)
	require.Equal(t, first, second)
}

// TestBOSHOutOfOrderRids delivers rids out of order and verifies the
// engine parks the early one and processes bodies in rid order: the
// SASL success provoked by rid 201 surfaces even though rid 202 arrived
// first (spec §8 "BOSH ordering").
func TestBOSHOutOfOrderRids(t *testing.T) {
	m := testManager(t, time.Minute)
	srv := httptest.NewServer(NewHandler(m))
	defer srv.Close()

	first := post(t, srv.URL, `<body rid="200" to="localhost" hold="1" wait="1" xmlns="http://jabber.org/protocol/httpbind"/>`)
	sid := sidOf(t, first)

	replies := make(chan string, 2)
	go func() {
		replies <- post(t, srv.URL, `<body rid="202" sid="`+sid+`" xmlns="http://jabber.org/protocol/httpbind"/>`)
	}()
	time.Sleep(100 * time.Millisecond)
	go func() {
		replies <- post(t, srv.URL, `<body rid="201" sid="`+sid+`" xmlns="http://jabber.org/protocol/httpbind">`+
			`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">AGFsaWNlAHNlY3JldA==</auth></body>`)
	}()

	var all string
	for i := 0; i < 2; i++ {
		select {
		case r := <-replies:
			all += r
		case <-time.After(3 * time.Second):
			t.Fatal("held request never resolved")
		}
	}
	require.Contains(t, all, "success")

	session := m.get(sid)
	require.NotNil(t, session)
	session.mu.Lock()
	defer session.mu.Unlock()
	require.Equal(t, uint64(203), session.ridIn)
}

// TestBOSHRidWindowViolation verifies a rid outside the acceptance
// window terminates the session with item-not-found.
func TestBOSHRidWindowViolation(t *testing.T) {
	m := testManager(t, time.Minute)
	srv := httptest.NewServer(NewHandler(m))
	defer srv.Close()

	first := post(t, srv.URL, `<body rid="300" to="localhost" hold="1" wait="1" xmlns="http://jabber.org/protocol/httpbind"/>`)
	sid := sidOf(t, first)

	out := post(t, srv.URL, `<body rid="999" sid="`+sid+`" xmlns="http://jabber.org/protocol/httpbind"/>`)
	require.Contains(t, out, `type="terminate"`)
	require.Contains(t, out, `condition="item-not-found"`)
}

// TestBOSHInactivityTeardown covers spec §8 seed scenario 4: with no
// consumer parked past the inactivity window the session is torn down,
// and the next request on that sid reports remote-connection-failed.
func TestBOSHInactivityTeardown(t *testing.T) {
	m := testManager(t, time.Second)
	srv := httptest.NewServer(NewHandler(m))
	defer srv.Close()

	first := post(t, srv.URL, `<body rid="400" to="localhost" hold="1" wait="1" xmlns="http://jabber.org/protocol/httpbind"/>`)
	sid := sidOf(t, first)

	time.Sleep(1500 * time.Millisecond)

	out := post(t, srv.URL, `<body rid="401" sid="`+sid+`" xmlns="http://jabber.org/protocol/httpbind"/>`)
	require.Contains(t, out, `type="terminate"`)
	require.Contains(t, out, `condition="remote-connection-failed"`)
}

// TestBOSHClientTerminate verifies a client-initiated terminate body
// tears the session down and frees its sid.
func TestBOSHClientTerminate(t *testing.T) {
	m := testManager(t, time.Minute)
	srv := httptest.NewServer(NewHandler(m))
	defer srv.Close()

	first := post(t, srv.URL, `<body rid="500" to="localhost" hold="1" wait="1" xmlns="http://jabber.org/protocol/httpbind"/>`)
	sid := sidOf(t, first)

	out := post(t, srv.URL, `<body rid="501" sid="`+sid+`" type="terminate" xmlns="http://jabber.org/protocol/httpbind"/>`)
	require.Contains(t, out, `type="terminate"`)

	next := post(t, srv.URL, `<body rid="502" sid="`+sid+`" xmlns="http://jabber.org/protocol/httpbind"/>`)
	require.Contains(t, next, `condition="remote-connection-failed"`)
}
