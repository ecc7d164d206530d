// Package xray integrates with a running Xray instance: it derives inbound
// parameters from the engine's config, renders VLESS links, and drives the
// engine's control API through interchangeable client backends.
package xray

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// ConfigError signals a fatal startup problem with the engine config.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("engine config %s: %s", e.Path, e.Msg)
}

// Inbound holds the connection parameters extracted from one engine
// listener. Resolved once at startup and treated as immutable.
type Inbound struct {
	Tag      string
	Port     int
	Security string // "reality", "tls" or "none"
	Network  string // "tcp" or "ws"

	SNI       string
	PublicKey string
	ShortIds  []string

	WSPath string
	WSHost string
}

type engineConfig struct {
	Inbounds []engineInbound `json:"inbounds"`
}

type engineInbound struct {
	Tag            string          `json:"tag"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	StreamSettings *streamSettings `json:"streamSettings"`
}

type streamSettings struct {
	Security        string           `json:"security"`
	Network         string           `json:"network"`
	RealitySettings *realitySettings `json:"realitySettings"`
	TLSSettings     *tlsSettings     `json:"tlsSettings"`
	WSSettings      *wsSettings      `json:"wsSettings"`
}

type realitySettings struct {
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	ShortIds    []string `json:"shortIds"`
}

type tlsSettings struct {
	ServerName string `json:"serverName"`
}

type wsSettings struct {
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
}

// ResolverOptions controls inbound selection and reality key handling.
type ResolverOptions struct {
	ConfigPath  string
	TagOverride string
	// PublicHost backs the SNI for tls inbounds without a serverName.
	PublicHost string
	// PublicKeyOverride is used when key derivation fails.
	PublicKeyOverride string
	// DeriveKey derives the reality public key from the configured private
	// key. Defaults to running the engine binary (see DerivePublicKey).
	DeriveKey DeriveKeyFunc
}

// ResolveInbound reads the engine config and extracts the parameters of one
// vless inbound. With a tag override the tag must match exactly; otherwise
// the first vless inbound wins.
func ResolveInbound(opts ResolverOptions) (*Inbound, error) {
	raw, err := os.ReadFile(opts.ConfigPath)
	if err != nil {
		return nil, &ConfigError{Path: opts.ConfigPath, Msg: err.Error()}
	}

	var cfg engineConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &ConfigError{Path: opts.ConfigPath, Msg: "parse: " + err.Error()}
	}

	var selected *engineInbound
	for i := range cfg.Inbounds {
		in := &cfg.Inbounds[i]
		if opts.TagOverride != "" {
			if in.Tag == opts.TagOverride {
				selected = in
				break
			}
		} else if in.Protocol == "vless" {
			selected = in
			break
		}
	}
	if selected == nil {
		if opts.TagOverride != "" {
			return nil, &ConfigError{Path: opts.ConfigPath, Msg: fmt.Sprintf("inbound with tag %q not found", opts.TagOverride)}
		}
		return nil, &ConfigError{Path: opts.ConfigPath, Msg: `no inbound with protocol "vless" found`}
	}

	stream := selected.StreamSettings
	if stream == nil {
		stream = &streamSettings{}
	}

	inbound := &Inbound{
		Tag:      selected.Tag,
		Port:     selected.Port,
		Security: stream.Security,
		Network:  stream.Network,
	}
	if inbound.Security == "" {
		inbound.Security = "none"
	}
	if inbound.Network == "" {
		inbound.Network = "tcp"
	}

	if ws := stream.WSSettings; ws != nil {
		inbound.WSPath = ws.Path
		if ws.Headers != nil {
			if host, ok := ws.Headers["Host"]; ok {
				inbound.WSHost = host
			} else if host, ok := ws.Headers["host"]; ok {
				inbound.WSHost = host
			}
		}
	}

	switch inbound.Security {
	case "reality":
		reality := stream.RealitySettings
		if reality == nil {
			reality = &realitySettings{}
		}
		if len(reality.ServerNames) > 0 {
			inbound.SNI = reality.ServerNames[0]
		}
		inbound.ShortIds = reality.ShortIds
		inbound.PublicKey = resolvePublicKey(reality.PrivateKey, opts)
	case "tls":
		if tls := stream.TLSSettings; tls != nil && tls.ServerName != "" {
			inbound.SNI = tls.ServerName
		} else {
			inbound.SNI = opts.PublicHost
		}
	}

	return inbound, nil
}

// resolvePublicKey derives the reality public key, falling back to the
// configured override. An empty result is non-fatal: links just omit pbk.
func resolvePublicKey(privateKey string, opts ResolverOptions) string {
	derive := opts.DeriveKey
	if derive == nil {
		derive = DerivePublicKey
	}
	if privateKey != "" {
		if pbk, err := derive(privateKey); err == nil && pbk != "" {
			return pbk
		}
	}
	return opts.PublicKeyOverride
}
