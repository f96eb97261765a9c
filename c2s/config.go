/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package c2s

import (
	"github.com/xmppcore/xmppd/auth"
	"github.com/xmppcore/xmppd/config"
	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/router"
)

// Config carries the subset of config.C2SConfig a stream instance needs,
// plus the server domain it was bound under.
type Config struct {
	Domain         string
	MaxStanzaSize  int
	ConnectTimeout int
	RequireTLS     bool

	SASL                []string
	AllowPlainPassword  bool
	AllowAnonymousLogin bool
	AllowLegacyAuth     bool

	ResourceConflict config.ResourceConflictPolicy
	Compression      config.Compression
	Modules          config.ModulesConfig
}

// Dependencies collects the process-wide collaborators a stream wires
// its per-connection modules against.
type Dependencies struct {
	Router      *router.Router
	AuthHook    hook.AuthHook
	RosterHook  hook.RosterHook
	SessionHook hook.SessionHook

	// Credentials, when non-nil, enables the SCRAM mechanisms listed in
	// Config.SASL. A deployment whose AuthHook doesn't also implement
	// auth.CredentialStore runs PLAIN/ANONYMOUS/EXTERNAL/legacy only.
	Credentials auth.CredentialStore
}
