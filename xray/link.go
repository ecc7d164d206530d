package xray

import (
	"fmt"
	"net/url"
	"strings"
)

// LinkParams is the input to BuildLink.
type LinkParams struct {
	Uuid       string
	Email      string
	Flow       string
	Remark     string
	Inbound    *Inbound
	PublicHost string
}

// Link is a rendered share link plus its parameters for persistence.
type Link struct {
	URI string
	Raw map[string]string
}

// queryPair keeps insertion order; url.Values would sort keys and the
// client-side parsers expect the canonical order.
type queryPair struct {
	key, value string
}

// BuildLink renders a vless:// URI for one credential. Pure function: no
// I/O, deterministic for given inputs.
func BuildLink(p LinkParams) *Link {
	inbound := p.Inbound
	pairs := []queryPair{{"encryption", "none"}}
	if p.Flow != "" {
		pairs = append(pairs, queryPair{"flow", p.Flow})
	}
	pairs = append(pairs, queryPair{"fp", "chrome"})

	network := inbound.Network
	if network == "" {
		network = "tcp"
	}
	sni := inbound.SNI
	if sni == "" {
		sni = p.PublicHost
	}

	switch inbound.Security {
	case "reality":
		network = "tcp"
		pairs = append(pairs, queryPair{"security", "reality"}, queryPair{"type", "tcp"})
		if sni != "" {
			pairs = append(pairs, queryPair{"sni", sni})
		}
		if inbound.PublicKey != "" {
			pairs = append(pairs, queryPair{"pbk", inbound.PublicKey})
		}
		// sid is always present for reality, empty when unconfigured
		sid := ""
		if len(inbound.ShortIds) > 0 {
			sid = inbound.ShortIds[0]
		}
		pairs = append(pairs, queryPair{"sid", sid})
	case "tls":
		pairs = append(pairs, queryPair{"security", "tls"})
		if sni != "" {
			pairs = append(pairs, queryPair{"sni", sni})
		}
		if network == "ws" {
			pairs = append(pairs, queryPair{"type", "ws"})
			if inbound.WSPath != "" {
				pairs = append(pairs, queryPair{"path", inbound.WSPath})
			}
			if inbound.WSHost != "" {
				pairs = append(pairs, queryPair{"host", inbound.WSHost})
			}
		} else {
			pairs = append(pairs, queryPair{"type", "tcp"})
		}
	}

	var query strings.Builder
	for i, pair := range pairs {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(pair.key)
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(pair.value))
	}

	remark := p.Remark
	if remark == "" {
		remark = p.Email
	}

	uri := fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		p.Uuid, p.PublicHost, inbound.Port, query.String(), url.PathEscape(remark))

	sid := ""
	if len(inbound.ShortIds) > 0 {
		sid = inbound.ShortIds[0]
	}
	raw := map[string]string{
		"address":  p.PublicHost,
		"port":     fmt.Sprintf("%d", inbound.Port),
		"security": inbound.Security,
		"type":     network,
		"sni":      sni,
		"fp":       "chrome",
		"pbk":      inbound.PublicKey,
		"sid":      sid,
		"path":     inbound.WSPath,
		"host":     inbound.WSHost,
		"flow":     p.Flow,
	}

	return &Link{URI: uri, Raw: raw}
}
