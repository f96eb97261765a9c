/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package auth

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

// PasswordPolicy controls whether SASL PLAIN may authenticate against a
// bare cleartext password, mirroring the original's ALLOW_PLAIN_PASSWORD
// setting.
type PasswordPolicy struct {
	AllowPlainPassword bool
}

// Plain implements SASL PLAIN (RFC 4616) plus the web-session and
// session-token shortcuts layered on top of it by the source auth
// module (spec §4.D): an empty password attempts web-session auth, a
// password beginning with "//jid/" is treated as a pre-bind session
// token, otherwise — if allowed — it's checked as a cleartext password.
type Plain struct {
	stm      router.C2S
	authHook hook.AuthHook
	policy   PasswordPolicy

	authenticated bool
	username      string
}

// NewPlain constructs the PLAIN mechanism for stm, consulting authHook
// for every credential check.
func NewPlain(stm router.C2S, authHook hook.AuthHook, policy PasswordPolicy) *Plain {
	return &Plain{stm: stm, authHook: authHook, policy: policy}
}

func (p *Plain) Mechanism() string { return "PLAIN" }

func (p *Plain) Username() string { return p.username }

func (p *Plain) Authenticated() bool { return p.authenticated }

func (p *Plain) Reset() {
	p.authenticated = false
	p.username = ""
}

// ProcessElement decodes the base64 payload from an <auth mechanism='PLAIN'>
// element and completes authentication in one round trip; PLAIN never
// challenges.
func (p *Plain) ProcessElement(elem xmpp.XElement) error {
	if elem.Name() == "abort" {
		return ErrSASLAborted
	}
	if elem.Name() != "auth" {
		return ErrSASLMalformedRequest
	}
	raw, err := base64.StdEncoding.DecodeString(elem.Text())
	if err != nil {
		return ErrSASLIncorrectEncoding
	}
	parts := bytes.SplitN(raw, []byte{0}, 3)
	if len(parts) != 3 {
		return ErrSASLMalformedRequest
	}
	authzid, authcid, password := string(parts[0]), string(parts[1]), string(parts[2])

	domain := p.stm.Domain()
	if authzid != "" && authzid != authcid && authzid != authcid+"@"+domain {
		return ErrSASLInvalidAuthzID
	}

	ok, err := p.checkCredentials(authcid, password)
	if err != nil {
		return ErrSASLTemporaryAuthFailure
	}
	if !ok {
		return ErrSASLNotAuthorized
	}
	p.authenticated = true
	p.username = authcid
	return nil
}

func (p *Plain) checkCredentials(username, password string) (bool, error) {
	switch {
	case password == "":
		// no password supplied: fall back to web-session auth if the
		// stream recorded one at connection time (spec §4.D).
		webUser := p.stm.Context().String("web_user")
		if webUser == "" {
			return false, nil
		}
		return p.authHook.CheckWebUser(p.stm, webUser, username)
	case strings.HasPrefix(password, "//jid/"):
		return p.authHook.CheckToken(p.stm, username, strings.TrimPrefix(password, "//jid/"))
	case p.policy.AllowPlainPassword:
		return p.authHook.CheckPassword(p.stm, username, password)
	default:
		return false, nil
	}
}
