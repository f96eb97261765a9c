/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package config loads and validates the server's YAML configuration,
// matching the teacher's gopkg.in/yaml.v2-driven Config struct.
package config

import (
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/xmppcore/xmppd/transport/compress"
)

// ResourceConflictPolicy governs what happens when a resource bind
// collides with an already-bound (user, resource) pair (spec §4.D
// "Post-auth binding").
type ResourceConflictPolicy int

const (
	// Override silently replaces the resource string with a
	// server-generated one instead of rejecting the bind.
	Override ResourceConflictPolicy = iota
	// Replace disconnects the previously-bound stream and takes over
	// its resource.
	Replace
	// Reject fails the bind with a conflict stanza error.
	Reject
)

// UnmarshalYAML accepts the lowercase policy names used in the YAML
// config file.
func (p *ResourceConflictPolicy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "override":
		*p = Override
	case "replace":
		*p = Replace
	case "reject", "":
		*p = Reject
	}
	return nil
}

// TLS holds the certificate pair used for TCP STARTTLS. The BOSH/WebSocket
// HTTP listener does not use it and serves plain HTTP.
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Compression configures XEP-0138 stream compression availability.
type Compression struct {
	Level compress.Level `yaml:"level"`
}

// ModulesConfig toggles optional protocol modules, mirroring the
// teacher's cfg.Modules.Enabled set-of-strings pattern.
type ModulesConfig struct {
	Enabled  map[string]struct{} `yaml:"-"`
	EnabledList []string         `yaml:"enabled"`

	Roster       RosterConfig       `yaml:"roster"`
	Registration RegistrationConfig `yaml:"registration"`
	Ping         PingConfig         `yaml:"ping"`
}

// RosterConfig configures the roster engine. Versioning is always
// false: roster versioning is an explicit spec Non-goal.
type RosterConfig struct {
	Versioning bool `yaml:"-"`
}

// RegistrationConfig configures XEP-0077 in-band registration. No
// spam-defense knobs are exposed, per spec Non-goals.
type RegistrationConfig struct {
	AllowRegistration bool `yaml:"allow_registration"`
	AllowChange       bool `yaml:"allow_change"`
	AllowCancel       bool `yaml:"allow_cancel"`
}

// PingConfig configures XEP-0199 keepalive pings.
type PingConfig struct {
	Send         bool `yaml:"send"`
	SendInterval int  `yaml:"send_interval"`
	AckTimeout   int  `yaml:"ack_timeout"`
}

// BOSHConfig configures the BOSH HTTP endpoint (spec §4.J).
type BOSHConfig struct {
	URL           string `yaml:"url"`
	MinWait       int    `yaml:"min_wait"`
	MaxWait       int    `yaml:"max_wait"`
	MaxHold       int    `yaml:"max_hold"`
	MaxInactivity int    `yaml:"max_inactivity"`
}

// WebSocketConfig configures the RFC 7395 WebSocket endpoint.
type WebSocketConfig struct {
	URL string `yaml:"url"`
}

// C2SConfig configures a single TCP listener (spec §4.C/§4.L).
type C2SConfig struct {
	Domain            string   `yaml:"domain"`
	Address           string   `yaml:"address"`
	Port              int      `yaml:"port"`
	ConnectTimeout    int      `yaml:"connect_timeout"`
	MaxStanzaSize     int      `yaml:"max_stanza_size"`
	RequireTLS        bool     `yaml:"require_tls"`
	TLS               TLS      `yaml:"tls"`
	SASL              []string `yaml:"sasl"`
	AllowPlainPassword  bool `yaml:"allow_plain_password"`
	AllowAnonymousLogin bool `yaml:"allow_anonymous_login"`
	AllowLegacyAuth     bool `yaml:"allow_legacy_auth"`
	ResourceConflict  ResourceConflictPolicy `yaml:"resource_conflict"`
	Compression       Compression            `yaml:"compression"`
	Modules           ModulesConfig          `yaml:"modules"`
}

// StorageConfig names the SQL backend the reference hook implementations
// (storage/sql) connect to.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// HTTPConfig configures the one HTTP listener BOSH and WebSocket share
// (spec §6 "BOSH"/"WebSocket" external interfaces, same URL path space).
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Config is the root server configuration document.
type Config struct {
	Domain    string          `yaml:"domain"`
	ServerID  string          `yaml:"server_id"`
	C2S       C2SConfig       `yaml:"c2s"`
	HTTP      HTTPConfig      `yaml:"http"`
	BOSH      BOSHConfig      `yaml:"bosh"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Storage   StorageConfig   `yaml:"storage"`
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.C2S.Modules.Enabled = make(map[string]struct{}, len(cfg.C2S.Modules.EnabledList))
	for _, name := range cfg.C2S.Modules.EnabledList {
		cfg.C2S.Modules.Enabled[name] = struct{}{}
	}
	if cfg.C2S.MaxStanzaSize == 0 {
		cfg.C2S.MaxStanzaSize = 1 << 16
	}
	return &cfg, nil
}
