// Package enginetest provides a scriptable in-memory rendering engine and
// helpers to serve it over the wire protocol in tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/engine"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

// Page scripts what the engine shows for a URL.
type Page struct {
	HTML string
	// Status is the response code of the final hop. Zero means 200.
	Status int
	// Headers returned for the final hop.
	Headers map[string]string
	// RedirectTo lists hops the navigation passes through after the requested URL.
	RedirectTo []string
	// NeverLoads keeps HAS_PAGE_LOADED false forever.
	NeverLoads bool
	// Hang blocks HAS_PAGE_LOADED until the command is canceled.
	Hang bool
	// ErrorPage makes IS_PAGE_ERROR report true.
	ErrorPage bool
	// Eval maps expressions to results.
	Eval map[string]any
	// Screenshot is written by SAVE_SCREENSHOT_FILE. Nil writes a fixed PNG header.
	Screenshot []byte
}

// Backend is an engine.Backend backed by scripted pages.
type Backend struct {
	mu          sync.Mutex
	pages       map[string]Page
	current     string
	resets      int
	navigations []string
	headers     map[string]string
	prefs       []crawler.Preference
	proxies     []crawler.Proxy
	proxyOn     bool
}

var _ engine.Backend = (*Backend)(nil)

// NewBackend returns an empty backend. Unknown URLs render as a blank 200 page.
func NewBackend() *Backend {
	return &Backend{
		pages:   make(map[string]Page),
		headers: make(map[string]string),
	}
}

// SetPage scripts the page served for rawURL.
func (b *Backend) SetPage(rawURL string, page Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[rawURL] = page
}

// Resets returns how many RESET commands were received.
func (b *Backend) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// Navigations returns every URL passed to SET_URL, in order.
func (b *Backend) Navigations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.navigations...)
}

// SentHeaders returns the request headers currently configured.
func (b *Backend) SentHeaders() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.headers))
	for k, v := range b.headers {
		out[k] = v
	}
	return out
}

// Prefs returns preferences set since the last RESET.
func (b *Backend) Prefs() []crawler.Preference {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]crawler.Preference(nil), b.prefs...)
}

// Proxies returns every proxy set over the backend's lifetime.
func (b *Backend) Proxies() []crawler.Proxy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]crawler.Proxy(nil), b.proxies...)
}

func (b *Backend) page() (Page, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == "" {
		return Page{}, false
	}
	return b.pages[b.current], true
}

// Reset implements engine.Backend.
func (b *Backend) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	b.current = ""
	b.headers = make(map[string]string)
	b.prefs = nil
	b.proxyOn = false
	return nil
}

// Location implements engine.Backend.
func (b *Backend) Location(context.Context) (wire.Location, error) {
	b.mu.Lock()
	current := b.current
	b.mu.Unlock()
	if current == "" {
		return wire.Location{Href: "about:blank"}, nil
	}
	u, err := url.Parse(current)
	if err != nil {
		return wire.Location{}, fmt.Errorf("parse location: %w", err)
	}
	return wire.Location{Href: current, Host: u.Host, Hostname: u.Hostname(), Port: u.Port()}, nil
}

// Navigate implements engine.Backend.
func (b *Backend) Navigate(_ context.Context, rawURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = rawURL
	b.navigations = append(b.navigations, rawURL)
	return nil
}

// SetHeader implements engine.Backend.
func (b *Backend) SetHeader(_ context.Context, name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers[name] = value
	return nil
}

// Headers implements engine.Backend.
func (b *Backend) Headers(context.Context) (map[string]map[string]string, error) {
	page, ok := b.page()
	if !ok {
		return nil, nil
	}
	chain := b.chain()
	out := make(map[string]map[string]string, len(chain))
	for i, hop := range chain[1:] {
		h := map[string]string{wire.HeaderServerAddress: fmt.Sprintf("192.0.2.%d", i+1)}
		if i == len(chain)-2 {
			for k, v := range page.Headers {
				h[k] = v
			}
		}
		out[hop] = h
	}
	return out, nil
}

// SetPref implements engine.Backend.
func (b *Backend) SetPref(_ context.Context, pref crawler.Preference) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefs = append(b.prefs, pref)
	return nil
}

// SetProxy implements engine.Backend.
func (b *Backend) SetProxy(_ context.Context, proxy crawler.Proxy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proxies = append(b.proxies, proxy)
	b.proxyOn = true
	return nil
}

// DisableProxy implements engine.Backend.
func (b *Backend) DisableProxy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proxyOn = false
	return nil
}

// HTML implements engine.Backend.
func (b *Backend) HTML(context.Context) ([]byte, error) {
	page, ok := b.page()
	if !ok {
		return nil, nil
	}
	return []byte(page.HTML), nil
}

// Redirects implements engine.Backend.
func (b *Backend) Redirects(context.Context) ([]string, error) {
	return b.chain(), nil
}

func (b *Backend) chain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	chain := []string{"about:blank"}
	if b.current == "" {
		return chain
	}
	chain = append(chain, b.current)
	return append(chain, b.pages[b.current].RedirectTo...)
}

// ResponseCodes implements engine.Backend.
func (b *Backend) ResponseCodes(context.Context) (map[string]int, error) {
	page, ok := b.page()
	if !ok {
		return nil, nil
	}
	chain := b.chain()[1:]
	codes := make(map[string]int, len(chain))
	for i, hop := range chain {
		if i < len(chain)-1 {
			codes[hop] = 302
			continue
		}
		status := page.Status
		if status == 0 {
			status = 200
		}
		codes[hop] = status
	}
	return codes, nil
}

// PageLoaded implements engine.Backend.
func (b *Backend) PageLoaded(ctx context.Context) (bool, error) {
	page, ok := b.page()
	if !ok {
		return true, nil
	}
	if page.Hang {
		<-ctx.Done()
		return false, fmt.Errorf("page hung: %w", ctx.Err())
	}
	return !page.NeverLoads, nil
}

// PageError implements engine.Backend.
func (b *Backend) PageError(context.Context) (bool, error) {
	page, _ := b.page()
	return page.ErrorPage, nil
}

// Eval implements engine.Backend.
func (b *Backend) Eval(_ context.Context, expr string) (any, error) {
	page, _ := b.page()
	val, ok := page.Eval[expr]
	if !ok {
		return nil, errors.New("ReferenceError: " + expr)
	}
	return val, nil
}

// pngHeader is enough for tools that sniff the file type.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// SaveScreenshot implements engine.Backend.
func (b *Backend) SaveScreenshot(_ context.Context, path string) error {
	page, _ := b.page()
	data := page.Screenshot
	if data == nil {
		data = pngHeader
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("save screenshot: %w", err)
	}
	return nil
}

// SaveHTML implements engine.Backend.
func (b *Backend) SaveHTML(_ context.Context, path string) error {
	page, _ := b.page()
	if err := os.WriteFile(path, []byte(page.HTML), 0o600); err != nil {
		return fmt.Errorf("save html: %w", err)
	}
	return nil
}

// Serve starts an engine server for backend on a free localhost port and
// stops it when the test ends.
func Serve(tb testing.TB, backend engine.Backend) *engine.Server {
	tb.Helper()
	srv := engine.NewServer(backend, nil, 10*time.Second)
	if err := srv.Listen("127.0.0.1", 0); err != nil {
		tb.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background())
	}()
	tb.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return srv
}

// FastOptions returns client options suited to tests against port.
func FastOptions(port int) wire.Options {
	return wire.Options{
		Host:          "127.0.0.1",
		Port:          port,
		CallTimeout:   5 * time.Second,
		RetryInterval: 10 * time.Millisecond,
		RetryTimeout:  200 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		PageTimeout:   50 * time.Millisecond,
	}
}
