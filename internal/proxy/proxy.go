// Package proxy loads upstream proxy lists and hands them out to workers.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

// Scheme selects how a Rotator walks the proxy list.
type Scheme string

// Supported schemes.
const (
	RoundRobin Scheme = "round-robin"
)

// ParseScheme validates a configured scheme. Empty means round-robin.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoundRobin:
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("unknown proxy scheme %q", s)
	}
}

type listFile struct {
	Proxies *[]crawler.Proxy `json:"proxies"`
}

// LoadList reads {"proxies": [[host, port, scheme], ...]} from a .json file.
// An empty path returns a nil list.
func LoadList(path string) ([]crawler.Proxy, error) {
	if path == "" {
		return nil, nil
	}
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("proxy file %s must be a .json file", path)
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	var file listFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode proxy file %s: %w", path, err)
	}
	if file.Proxies == nil {
		return nil, errors.New("proxy file must have a \"proxies\" key")
	}
	return *file.Proxies, nil
}

// Rotator hands out proxies from a shared read-only list. A Rotator belongs to
// a single worker and is not safe for concurrent use.
type Rotator struct {
	scheme  Scheme
	proxies []crawler.Proxy
	cursor  int
}

// NewRotator builds a rotator over proxies. The slice is not copied and must
// not be modified afterwards.
func NewRotator(scheme Scheme, proxies []crawler.Proxy) *Rotator {
	if scheme == "" {
		scheme = RoundRobin
	}
	return &Rotator{scheme: scheme, proxies: proxies}
}

// Next returns the proxy at the cursor and advances it, wrapping at the end.
// ok is false when no proxy list was loaded.
func (r *Rotator) Next() (crawler.Proxy, bool) {
	if r == nil || len(r.proxies) == 0 {
		return crawler.Proxy{}, false
	}
	switch r.scheme {
	case RoundRobin:
		if r.cursor >= len(r.proxies) {
			r.cursor = 0
		}
		p := r.proxies[r.cursor]
		r.cursor++
		return p, true
	default:
		return crawler.Proxy{}, false
	}
}
