/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package c2s

import (
	"bytes"
	"crypto/tls"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/transport"
	"github.com/xmppcore/xmppd/transport/compress"
	"github.com/xmppcore/xmppd/xmpp"
)

// memTransport is an in-memory Socket-typed transport: tests feed
// client bytes in and inspect everything the stream wrote out.
type memTransport struct {
	mu     sync.Mutex
	rcond  *sync.Cond
	rbuf   bytes.Buffer
	out    []string
	closed bool
}

func newMemTransport() *memTransport {
	t := &memTransport{}
	t.rcond = sync.NewCond(&t.mu)
	return t
}

func (t *memTransport) Type() transport.Type { return transport.Socket }

func (t *memTransport) Read(p []byte) (int, error) {
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

func (t *memTransport) feed(s string) {
	t.mu.Lock()
	t.rbuf.WriteString(s)
	t.rcond.Signal()
	t.mu.Unlock()
}

func (t *memTransport) Write(p []byte) (int, error) {
	if err := t.WriteString(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *memTransport) WriteString(s string) error {
	t.mu.Lock()
	t.out = append(t.out, s)
	t.mu.Unlock()
	return nil
}

func (t *memTransport) output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.out, "")
}

// await polls the written output until substr shows up or the deadline
// passes; streams process asynchronously on their actor goroutine.
func (t *memTransport) await(tb testing.TB, substr string) string {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := t.output(); strings.Contains(out, substr) {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %q in stream output: %s", substr, t.output())
	return ""
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.rcond.Broadcast()
	t.mu.Unlock()
	return nil
}

func (t *memTransport) StartTLS(cfg *tls.Config, asClient bool)      {}
func (t *memTransport) EnableCompression(level compress.Level)       {}
func (t *memTransport) ChannelBindingBytes(mechanism string) []byte  { return nil }

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
func (testAuthHook) ValidContact(name string) (bool, error)         { return true, nil }
func (testAuthHook) CreateUser(username, password string) error     { return nil }
func (testAuthHook) ChangePassword(username, password string) error { return nil }
func (testAuthHook) DeleteUser(username string) error               { return nil }

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
func (testSessionHook) GetPresence(j *jid.JID) (*xmpp.Presence, error)        { return nil, nil }
func (testSessionHook) GetAllPresences(user string) ([]*xmpp.Presence, error) { return nil, nil }
func (testSessionHook) GetAllRosterPresences(users []string) ([]*xmpp.Presence, bool, error) {
	return nil, false, nil
}
func (testSessionHook) GetResource(j *jid.JID) (*hook.ResourceRecord, error)        { return nil, nil }
func (testSessionHook) GetAllResources(user string) ([]*hook.ResourceRecord, error) { return nil, nil }
func (testSessionHook) GetPreferredResource(user string) (string, error)            { return "", nil }
func (testSessionHook) KillResource(j *jid.JID) error                               { return nil }

const testStreamOpen = `<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" to="localhost" version="1.0">`

// TestStreamPlainAuthBindRoster walks spec §8 seed scenario 1 end to
// end: stream open, SASL PLAIN, stream restart, resource bind to "pc",
// then an empty roster get.
func TestStreamPlainAuthBindRoster(t *testing.T) {
	tr := newMemTransport()
	cfg := &Config{
		Domain:             "localhost",
		MaxStanzaSize:      1 << 16,
		SASL:               []string{"PLAIN"},
		AllowPlainPassword: true,
	}
	deps := &Dependencies{
		Router:      router.New("localhost"),
		AuthHook:    testAuthHook{},
		RosterHook:  testRosterHook{},
		SessionHook: testSessionHook{},
	}
	stm := New("test-stream-1", tr, nil, cfg, deps)

	tr.feed(testStreamOpen)
	tr.await(t, "PLAIN")

	// AGFsaWNlAHNlY3JldA== is "\x00alice\x00secret".
	tr.feed(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">AGFsaWNlAHNlY3JldA==</auth>`)
	tr.await(t, "<success")
	require.True(t, stm.IsAuthenticated())

	tr.feed(testStreamOpen)
	tr.await(t, "urn:ietf:params:xml:ns:xmpp-bind")

	tr.feed(`<iq id="1" type="set"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><resource>pc</resource></bind></iq>`)
	tr.await(t, "alice@localhost/pc")
	require.Equal(t, "pc", stm.Resource())
	require.NotNil(t, deps.Router.Stream(stm.JID()))

	tr.feed(`<iq id="2" type="get"><query xmlns="jabber:iq:roster"/></iq>`)
	out := tr.await(t, `jabber:iq:roster`)
	require.Contains(t, out, `id="2"`)
	require.Contains(t, out, `type="result"`)
}

// TestStreamRejectsBadPassword verifies a failed PLAIN exchange answers
// <failure> without closing the stream, leaving retry possible.
func TestStreamRejectsBadPassword(t *testing.T) {
	tr := newMemTransport()
	cfg := &Config{
		Domain:             "localhost",
		MaxStanzaSize:      1 << 16,
		SASL:               []string{"PLAIN"},
		AllowPlainPassword: true,
	}
	deps := &Dependencies{
		Router:      router.New("localhost"),
		AuthHook:    testAuthHook{},
		RosterHook:  testRosterHook{},
		SessionHook: testSessionHook{},
	}
	stm := New("test-stream-2", tr, nil, cfg, deps)

	tr.feed(testStreamOpen)
	tr.await(t, "PLAIN")

	// "\x00alice\x00wrong"
	tr.feed(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">AGFsaWNlAHdyb25n</auth>`)
	out := tr.await(t, "<failure")
	require.Contains(t, out, "not-authorized")
	require.False(t, stm.IsAuthenticated())
	require.NotContains(t, out, "</stream:stream>")
}
