/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/transport"
	"github.com/xmppcore/xmppd/xmpp"
)

// CredentialStore supplies the salted-password record SCRAM verifies
// against. This is intentionally separate from hook.AuthHook: spec §6's
// AuthHook only exposes opaque password equality checks (so a PLAIN
// deployment never needs to store anything recoverable), whereas SCRAM
// requires the salt/iteration-count/salted-hash triple up front. A
// SCRAM-capable deployment's AuthHook additionally implements this
// interface; the storage/sql reference implementation does.
type CredentialStore interface {
	ScramCredential(username string, usesSHA256 bool) (saltedPassword, salt []byte, iterations int, ok bool, err error)
}

// ScramType selects the hash function backing SCRAM, matching the
// teacher's auth.ScramSHA1/auth.ScramSHA256 constants.
type ScramType int

const (
	ScramSHA1 ScramType = iota
	ScramSHA256
)

func (t ScramType) newHash() func() hash.Hash {
	if t == ScramSHA256 {
		return sha256.New
	}
	return sha1.New
}

func (t ScramType) name(usesChannelBinding bool) string {
	base := "SCRAM-SHA-1"
	if t == ScramSHA256 {
		base = "SCRAM-SHA-256"
	}
	if usesChannelBinding {
		return base + "-PLUS"
	}
	return base
}

type scramState int

const (
	scramStart scramState = iota
	scramWaitForResponse
	scramDone
)

// Scram implements SCRAM-SHA-1[-PLUS] / SCRAM-SHA-256[-PLUS] (RFC 5802),
// one round trip of challenge/response modeled as suspension: ProcessElement
// advances the state machine and returns nil while waiting for the next
// frame, exactly as the teacher's c2s.go drives any Authenticator (spec
// DESIGN NOTES §9).
type Scram struct {
	stm    router.C2S
	tr     transport.Transport
	typ    ScramType
	usesCB bool

	credentials CredentialStore

	state         scramState
	authenticated bool
	username      string

	clientFirstBare string
	serverNonce     string
	salt            []byte
	iterCount       int
	saltedPassword  []byte
	authMessage     string
}

// NewScram constructs a SCRAM mechanism bound to stm/tr. With
// usesChannelBinding set it advertises the -PLUS name; channel-binding
// data is neither read from tr nor verified.
func NewScram(stm router.C2S, tr transport.Transport, credentials CredentialStore, typ ScramType, usesChannelBinding bool) *Scram {
	return &Scram{stm: stm, tr: tr, typ: typ, credentials: credentials, usesCB: usesChannelBinding}
}

func (s *Scram) Mechanism() string { return s.typ.name(s.usesCB) }

func (s *Scram) Username() string { return s.username }

func (s *Scram) Authenticated() bool { return s.authenticated }

func (s *Scram) Reset() {
	*s = Scram{stm: s.stm, tr: s.tr, typ: s.typ, credentials: s.credentials, usesCB: s.usesCB}
}

func (s *Scram) ProcessElement(elem xmpp.XElement) error {
	if elem.Name() == "abort" {
		s.state = scramDone
		return ErrSASLAborted
	}
	switch s.state {
	case scramStart:
		return s.processInitial(elem)
	case scramWaitForResponse:
		return s.processResponse(elem)
	default:
		return ErrSASLMalformedRequest
	}
}

func (s *Scram) processInitial(elem xmpp.XElement) error {
	if elem.Name() != "auth" {
		return ErrSASLMalformedRequest
	}
	payload, err := decodeSASL(elem.Text())
	if err != nil {
		return err
	}
	_, clientFirstBare, err := splitGS2Header(payload, s.usesCB)
	if err != nil {
		return err
	}
	fields, err := parseSCRAM(clientFirstBare)
	if err != nil {
		return err
	}
	username := fields["n"]
	if username == "" {
		return ErrSASLMalformedRequest
	}
	clientNonce := fields["r"]
	if clientNonce == "" {
		return ErrSASLMalformedRequest
	}

	cred, ok, err := s.lookupCredential(username)
	if err != nil {
		return ErrSASLTemporaryAuthFailure
	}
	if !ok {
		return ErrSASLNotAuthorized
	}

	s.username = username
	s.salt = cred.salt
	s.iterCount = cred.iterations
	s.saltedPassword = cred.saltedPassword

	serverNonceSuffix := randomNonce()
	s.serverNonce = clientNonce + serverNonceSuffix

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterCount)
	s.authMessage = clientFirstBare + "," + serverFirst
	s.clientFirstBare = clientFirstBare

	challenge := xmpp.NewElementNamespace("challenge", saslNamespace)
	challenge.SetText(base64.StdEncoding.EncodeToString([]byte(serverFirst)))
	s.stm.SendElement(challenge)
	s.state = scramWaitForResponse
	return nil
}

func (s *Scram) processResponse(elem xmpp.XElement) error {
	if elem.Name() != "response" {
		return ErrSASLMalformedRequest
	}
	payload, err := decodeSASL(elem.Text())
	if err != nil {
		return err
	}
	fields, err := parseSCRAM(string(payload))
	if err != nil {
		return err
	}
	channelBinding := fields["c"]
	nonce := fields["r"]
	clientProofB64 := fields["p"]
	if channelBinding == "" || nonce != s.serverNonce || clientProofB64 == "" {
		return ErrSASLNotAuthorized
	}
	clientProof, err := base64.StdEncoding.DecodeString(clientProofB64)
	if err != nil {
		return ErrSASLIncorrectEncoding
	}

	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + nonce
	authMessage := s.authMessage + "," + clientFinalWithoutProof

	h := s.typ.newHash()
	mac := hmac.New(h, s.saltedPassword)
	mac.Write([]byte("Client Key"))
	clientKey := mac.Sum(nil)

	storedHash := h()
	storedHash.Write(clientKey)
	storedKey := storedHash.Sum(nil)

	mac2 := hmac.New(h, storedKey)
	mac2.Write([]byte(authMessage))
	clientSignature := mac2.Sum(nil)

	computedClientKey := xorBytes(clientProof, clientSignature)
	verifyHash := h()
	verifyHash.Write(computedClientKey)
	if !hmac.Equal(verifyHash.Sum(nil), storedKey) {
		s.state = scramDone
		return ErrSASLNotAuthorized
	}

	macServer := hmac.New(h, s.saltedPassword)
	macServer.Write([]byte("Server Key"))
	serverKey := macServer.Sum(nil)
	macServerSig := hmac.New(h, serverKey)
	macServerSig.Write([]byte(authMessage))
	serverSignature := macServerSig.Sum(nil)

	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	success := xmpp.NewElementNamespace("success", saslNamespace)
	success.SetText(base64.StdEncoding.EncodeToString([]byte(serverFinal)))
	s.stm.SendElement(success)

	s.authenticated = true
	s.state = scramDone
	return nil
}

type scramCredential struct {
	saltedPassword []byte
	salt           []byte
	iterations     int
}

func (s *Scram) lookupCredential(username string) (scramCredential, bool, error) {
	saltedPassword, salt, iterations, ok, err := s.credentials.ScramCredential(username, s.typ == ScramSHA256)
	if err != nil || !ok {
		return scramCredential{}, false, err
	}
	return scramCredential{saltedPassword: saltedPassword, salt: salt, iterations: iterations}, true, nil
}

func decodeSASL(text string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, ErrSASLIncorrectEncoding
	}
	return raw, nil
}

func splitGS2Header(payload []byte, usesCB bool) (gs2Header, rest string, err error) {
	s := string(payload)
	idx := strings.Index(s, "n=")
	if idx < 0 {
		return "", "", ErrSASLMalformedRequest
	}
	return s[:idx], s[idx:], nil
}

func parseSCRAM(s string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}
	return fields, nil
}

func randomNonce() string {
	b := make([]byte, 18)
	rand.Read(b)
	return base64.RawStdEncoding.EncodeToString(b)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}
