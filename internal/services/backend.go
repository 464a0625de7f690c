package services

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// BackendKind identifies which wire protocol the agent runtime speaks. It is resolved once at startup and
// passed to every component that needs it.
type BackendKind int

const (
	// BackendDirect is the local development runtime with per-resource REST endpoints.
	BackendDirect BackendKind = iota + 1
	// BackendManaged is the hosted runtime with a single RPC envelope endpoint and bearer token auth.
	BackendManaged
)

// Poll intervals per backend. The managed interval keeps one poller at 12 requests per minute, under the
// hosted runtime's per-minute quota.
const (
	DirectPollInterval  = time.Second
	ManagedPollInterval = 5 * time.Second
)

const (
	queryMethodSuffix  = ":query"
	streamMethodSuffix = ":streamQuery"
)

func (k BackendKind) String() string {
	switch k {
	case BackendDirect:
		return "direct"
	case BackendManaged:
		return "managed"
	}
	return fmt.Sprintf("BackendKind(%d)", int(k))
}

// PollInterval returns the default interval between synchronization ticks for the backend.
func (k BackendKind) PollInterval() time.Duration {
	if k == BackendManaged {
		return ManagedPollInterval
	}
	return DirectPollInterval
}

// MarshalText implements encoding.TextMarshaler.
func (k BackendKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *BackendKind) UnmarshalText(text []byte) error {
	kind, err := ParseBackendKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseBackendKind parses "direct" or "managed".
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return BackendDirect, nil
	case "managed":
		return BackendManaged, nil
	}
	return 0, fmt.Errorf("unknown backend kind: %q", s)
}

// ResolveBackendKind derives the backend kind from its address. Hosts of the hosted platform, or addresses of
// a reasoning engine resource even behind a local proxy, are the managed runtime; other loopback hosts are the
// direct runtime. Anything else must be configured explicitly.
func ResolveBackendKind(rawURL string) (BackendKind, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("failed to parse backend url: %w", err)
	}

	host := u.Hostname()
	if strings.HasSuffix(host, "aiplatform.googleapis.com") || strings.Contains(u.Path, "/reasoningEngines/") {
		return BackendManaged, nil
	}
	if host == "localhost" {
		return BackendDirect, nil
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return BackendDirect, nil
	}
	return 0, fmt.Errorf("cannot infer backend kind from %q, set it explicitly", rawURL)
}

// StreamingURL returns the turn submission endpoint of a managed runtime: the configured query endpoint with
// its method suffix swapped for the streaming variant.
func StreamingURL(queryURL string) (string, error) {
	u, err := url.Parse(queryURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse query url: %w", err)
	}
	u.Path = strings.TrimSuffix(resourcePath(u.Path), "/") + streamMethodSuffix
	u.RawPath = ""
	q := u.Query()
	q.Set("alt", "sse")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ResourceURL returns the managed runtime resource address without any method suffix or query.
func ResourceURL(queryURL string) (string, error) {
	u, err := url.Parse(queryURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse query url: %w", err)
	}
	u.Path = resourcePath(u.Path)
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), nil
}

func resourcePath(p string) string {
	p = strings.TrimSuffix(p, queryMethodSuffix)
	return strings.TrimSuffix(p, streamMethodSuffix)
}
