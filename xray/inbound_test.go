package xray

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const realityConfig = `{
  "inbounds": [
    {"tag": "api", "port": 10085, "protocol": "dokodemo-door"},
    {
      "tag": "vless-in",
      "port": 443,
      "protocol": "vless",
      "streamSettings": {
        "security": "reality",
        "network": "tcp",
        "realitySettings": {
          "serverNames": ["cdn.example.com", "alt.example.com"],
          "privateKey": "priv-key",
          "shortIds": ["aabbcc", "ddeeff"]
        }
      }
    }
  ]
}`

func TestResolveInboundReality(t *testing.T) {
	path := writeConfig(t, realityConfig)

	inbound, err := ResolveInbound(ResolverOptions{
		ConfigPath: path,
		DeriveKey: func(privateKey string) (string, error) {
			if privateKey != "priv-key" {
				t.Errorf("derive called with %q", privateKey)
			}
			return "derived-pbk", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if inbound.Tag != "vless-in" || inbound.Port != 443 {
		t.Errorf("selected wrong inbound: %+v", inbound)
	}
	if inbound.Security != "reality" || inbound.SNI != "cdn.example.com" {
		t.Errorf("reality extraction wrong: %+v", inbound)
	}
	if inbound.PublicKey != "derived-pbk" {
		t.Errorf("PublicKey = %q, want derived-pbk", inbound.PublicKey)
	}
	if len(inbound.ShortIds) != 2 || inbound.ShortIds[0] != "aabbcc" {
		t.Errorf("ShortIds = %v", inbound.ShortIds)
	}
}

func TestResolveInboundDeriveFallback(t *testing.T) {
	path := writeConfig(t, realityConfig)
	failingDerive := func(string) (string, error) { return "", errors.New("binary missing") }

	// derivation failure falls back to the configured override
	inbound, err := ResolveInbound(ResolverOptions{
		ConfigPath:        path,
		PublicKeyOverride: "override-pbk",
		DeriveKey:         failingDerive,
	})
	if err != nil {
		t.Fatal(err)
	}
	if inbound.PublicKey != "override-pbk" {
		t.Errorf("PublicKey = %q, want override-pbk", inbound.PublicKey)
	}

	// without an override the key stays empty, non-fatal
	inbound, err = ResolveInbound(ResolverOptions{ConfigPath: path, DeriveKey: failingDerive})
	if err != nil {
		t.Fatal(err)
	}
	if inbound.PublicKey != "" {
		t.Errorf("PublicKey = %q, want empty", inbound.PublicKey)
	}
}

func TestResolveInboundTagOverride(t *testing.T) {
	path := writeConfig(t, `{
	  "inbounds": [
	    {"tag": "first", "port": 1, "protocol": "vless"},
	    {"tag": "second", "port": 2, "protocol": "vless"}
	  ]
	}`)

	inbound, err := ResolveInbound(ResolverOptions{ConfigPath: path, TagOverride: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if inbound.Tag != "second" || inbound.Port != 2 {
		t.Errorf("tag override ignored: %+v", inbound)
	}
	if inbound.Security != "none" || inbound.Network != "tcp" {
		t.Errorf("defaults not applied: %+v", inbound)
	}

	_, err = ResolveInbound(ResolverOptions{ConfigPath: path, TagOverride: "absent"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestResolveInboundNoVless(t *testing.T) {
	path := writeConfig(t, `{"inbounds": [{"tag": "s", "port": 1080, "protocol": "socks"}]}`)

	_, err := ResolveInbound(ResolverOptions{ConfigPath: path})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}

	_, err = ResolveInbound(ResolverOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.json")})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("missing file err = %v, want ConfigError", err)
	}
}

func TestResolveInboundTLSWebsocket(t *testing.T) {
	path := writeConfig(t, `{
	  "inbounds": [{
	    "tag": "ws-in",
	    "port": 443,
	    "protocol": "vless",
	    "streamSettings": {
	      "security": "tls",
	      "network": "ws",
	      "tlsSettings": {"serverName": "vpn.example.com"},
	      "wsSettings": {"path": "/tunnel", "headers": {"Host": "cdn.example.com"}}
	    }
	  }]
	}`)

	inbound, err := ResolveInbound(ResolverOptions{ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if inbound.SNI != "vpn.example.com" {
		t.Errorf("SNI = %q", inbound.SNI)
	}
	if inbound.WSPath != "/tunnel" || inbound.WSHost != "cdn.example.com" {
		t.Errorf("ws extraction wrong: %+v", inbound)
	}
}

func TestResolveInboundTLSPublicHostFallback(t *testing.T) {
	path := writeConfig(t, `{
	  "inbounds": [{
	    "tag": "t",
	    "port": 443,
	    "protocol": "vless",
	    "streamSettings": {"security": "tls", "network": "tcp"}
	  }]
	}`)

	inbound, err := ResolveInbound(ResolverOptions{ConfigPath: path, PublicHost: "proxy.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if inbound.SNI != "proxy.example.com" {
		t.Errorf("SNI = %q, want public host fallback", inbound.SNI)
	}
}
