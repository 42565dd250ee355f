package checkpoint

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Params names the inputs to a checkpoint's identity derivation: the local
// private UUID, the normalized remote URL, and the optional channel filter,
// push-filter name, push-filter params, and docID allow-list.
type Params struct {
	LocalPrivate uuid.UUID
	RemoteURL    string
	Channels     []string
	FilterName   string
	FilterParams map[string]string
	DocIDs       []string
}

type tuple struct {
	Local   string            `json:"local"`
	Remote  string            `json:"remote"`
	Chans   []string          `json:"channels,omitempty"`
	Filter  string            `json:"filter,omitempty"`
	FParams map[string]string `json:"filterParams,omitempty"`
	Docs    []string          `json:"docIDs,omitempty"`
}

// DeriveID computes the canonical (as-is URL) checkpoint docID: "cp-" plus
// base64(SHA-1(canonical tuple encoding)).
func DeriveID(p Params) string {
	return idForURL(p, p.RemoteURL)
}

// CandidateIDs returns the URL-normalization variants to probe on first
// open, in order: as-is, force-default-port-present, force-default-port-
// absent. The canonical (as-is) ID is always candidates[0].
func CandidateIDs(p Params) []string {
	asIs := p.RemoteURL
	present := normalizePort(p.RemoteURL, true)
	absent := normalizePort(p.RemoteURL, false)

	ids := []string{idForURL(p, asIs)}
	if present != asIs {
		ids = append(ids, idForURL(p, present))
	}
	if absent != asIs && absent != present {
		ids = append(ids, idForURL(p, absent))
	}
	return ids
}

func idForURL(p Params, remoteURL string) string {
	t := tuple{
		Local:   p.LocalPrivate.String(),
		Remote:  remoteURL,
		Chans:   p.Channels,
		Filter:  p.FilterName,
		FParams: p.FilterParams,
		Docs:    p.DocIDs,
	}
	encoded, err := json.Marshal(t)
	if err != nil {
		// json.Marshal on this struct cannot fail; keep the derivation total.
		encoded = []byte(fmt.Sprintf("%v", t))
	}
	sum := sha1.Sum(encoded)
	return "cp-" + base64.StdEncoding.EncodeToString(sum[:])
}

// normalizePort rewrites a URL to force its default port (80 for ws/http,
// 443 for wss/https) present or absent; historical platforms differed in
// whether a checkpoint ID baked in the default port.
func normalizePort(raw string, forcePresent bool) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := u.Hostname()
	port := u.Port()
	defaultPort := defaultPortFor(u.Scheme)
	if defaultPort == "" {
		return raw
	}
	if forcePresent {
		if port == "" {
			u.Host = net.JoinHostPort(host, defaultPort)
		}
	} else {
		if port == defaultPort {
			u.Host = host
		}
	}
	return u.String()
}

func defaultPortFor(scheme string) string {
	switch strings.ToLower(scheme) {
	case "ws", "http":
		return "80"
	case "wss", "https":
		return "443"
	default:
		return ""
	}
}
