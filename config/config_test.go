/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package config

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xmppcore/xmppd/transport/compress"
)

const sampleYAML = `
domain: localhost
c2s:
  domain: localhost
  address: 0.0.0.0
  port: 5222
  require_tls: true
  allow_plain_password: true
  resource_conflict: replace
  compression:
    level: best
  sasl:
    - PLAIN
    - ANONYMOUS
  modules:
    enabled:
      - roster
      - ping
bosh:
  url: /http-bind
websocket:
  url: /xmpp-websocket
`

func TestLoad(t *testing.T) {
	f, err := ioutil.TempFile("", "xmppd-config-*.yml")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString(sampleYAML)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)

	require.Equal(t, "localhost", cfg.Domain)
	require.Equal(t, 5222, cfg.C2S.Port)
	require.True(t, cfg.C2S.RequireTLS)
	require.Equal(t, Replace, cfg.C2S.ResourceConflict)
	require.Equal(t, compress.BestCompression, cfg.C2S.Compression.Level)
	require.ElementsMatch(t, []string{"PLAIN", "ANONYMOUS"}, cfg.C2S.SASL)
	_, ok := cfg.C2S.Modules.Enabled["roster"]
	require.True(t, ok)
	_, ok = cfg.C2S.Modules.Enabled["ping"]
	require.True(t, ok)
	require.Equal(t, "/http-bind", cfg.BOSH.URL)
	require.Equal(t, 1<<16, cfg.C2S.MaxStanzaSize)
}
