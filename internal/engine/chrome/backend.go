// Package chrome implements an engine.Backend on top of a chromedp-controlled
// Chrome instance.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/engine"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

// ErrUnsupported is returned for commands Chrome cannot apply to a running session.
var ErrUnsupported = errors.New("not supported by chrome backend")

// Config controls how Chrome is launched.
type Config struct {
	// Binary overrides the Chrome executable. Empty uses chromedp's lookup.
	Binary      string
	UserDataDir string
	Headless    bool
	// Proxy is applied at launch, since Chrome cannot switch proxies per tab.
	Proxy             *crawler.Proxy
	NavigationTimeout time.Duration
}

// Backend drives one Chrome tab.
type Backend struct {
	cfg    Config
	logger *zap.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	mainFrame   cdp.FrameID

	mu      sync.Mutex
	headers map[string]string
	nav     *navigation
}

var _ engine.Backend = (*Backend)(nil)

// New launches Chrome and opens the tab the backend will drive.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 180 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.Binary != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Binary))
	}
	if cfg.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy.String()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	b := &Backend{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		headers:     make(map[string]string),
	}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		b.mainFrame = cdp.FrameID(c.Target.TargetID)
	}
	chromedp.ListenTarget(tabCtx, b.onEvent)
	return b, nil
}

// Alive reports whether the browser is still running.
func (b *Backend) Alive() bool {
	return b.tabCtx.Err() == nil
}

// Close shuts Chrome down.
func (b *Backend) Close() {
	b.tabCancel()
	b.allocCancel()
}

// run executes actions on the tab, bounded by both ctx and the tab lifetime.
func (b *Backend) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (b *Backend) current() *navigation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nav
}

// Reset implements engine.Backend.
func (b *Backend) Reset(ctx context.Context) error {
	b.mu.Lock()
	if b.nav != nil {
		b.nav.cancel()
	}
	b.nav = nil
	b.headers = make(map[string]string)
	b.mu.Unlock()
	return b.run(ctx,
		network.SetExtraHTTPHeaders(network.Headers{}),
		chromedp.Navigate("about:blank"),
	)
}

// Location implements engine.Backend.
func (b *Backend) Location(ctx context.Context) (wire.Location, error) {
	var href string
	if err := b.run(ctx, chromedp.Location(&href)); err != nil {
		return wire.Location{}, err
	}
	u, err := url.Parse(href)
	if err != nil {
		return wire.Location{Href: href}, nil //nolint:nilerr // opaque locations are still reported
	}
	return wire.Location{Href: href, Host: u.Host, Hostname: u.Hostname(), Port: u.Port()}, nil
}

// Navigate starts loading rawURL and returns immediately.
func (b *Backend) Navigate(_ context.Context, rawURL string) error {
	navCtx, cancel := context.WithTimeout(b.tabCtx, b.cfg.NavigationTimeout)
	nav := newNavigation(cancel)

	b.mu.Lock()
	if b.nav != nil {
		b.nav.cancel()
	}
	b.nav = nav
	headers := toNetworkHeaders(b.headers)
	b.mu.Unlock()

	go func() {
		err := chromedp.Run(navCtx,
			network.SetExtraHTTPHeaders(headers),
			chromedp.Navigate(rawURL),
		)
		nav.finish(err)
		if err != nil {
			b.logger.Debug("navigation failed", zap.String("url", rawURL), zap.Error(err))
		}
	}()
	return nil
}

// SetHeader implements engine.Backend. Headers apply to the next navigation.
func (b *Backend) SetHeader(_ context.Context, name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers[name] = value
	return nil
}

// Headers implements engine.Backend.
func (b *Backend) Headers(context.Context) (map[string]map[string]string, error) {
	nav := b.current()
	if nav == nil {
		return nil, nil
	}
	return nav.snapshotHeaders(), nil
}

// SetPref implements engine.Backend.
func (b *Backend) SetPref(_ context.Context, pref crawler.Preference) error {
	return fmt.Errorf("preference %q: %w", pref.Name, ErrUnsupported)
}

// SetProxy implements engine.Backend. Only the launch proxy is accepted.
func (b *Backend) SetProxy(_ context.Context, proxy crawler.Proxy) error {
	if b.cfg.Proxy != nil && *b.cfg.Proxy == proxy {
		return nil
	}
	return fmt.Errorf("switch proxy to %s: %w", proxy, ErrUnsupported)
}

// DisableProxy implements engine.Backend.
func (b *Backend) DisableProxy(context.Context) error {
	if b.cfg.Proxy != nil {
		return fmt.Errorf("disable launch proxy: %w", ErrUnsupported)
	}
	return nil
}

// HTML implements engine.Backend.
func (b *Backend) HTML(ctx context.Context) ([]byte, error) {
	if b.current() == nil {
		return nil, nil
	}
	var html string
	if err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return []byte(html), nil
}

// Redirects implements engine.Backend.
func (b *Backend) Redirects(context.Context) ([]string, error) {
	nav := b.current()
	if nav == nil {
		return []string{"about:blank"}, nil
	}
	return nav.snapshotChain(), nil
}

// ResponseCodes implements engine.Backend.
func (b *Backend) ResponseCodes(context.Context) (map[string]int, error) {
	nav := b.current()
	if nav == nil {
		return nil, nil
	}
	return nav.snapshotCodes(), nil
}

// PageLoaded implements engine.Backend.
func (b *Backend) PageLoaded(ctx context.Context) (bool, error) {
	nav := b.current()
	if nav == nil {
		return true, nil
	}
	finished, navErr := nav.state()
	if !finished {
		return false, nil
	}
	if navErr != nil {
		return true, nil
	}
	var state string
	if err := b.run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return false, err
	}
	return state == "complete", nil
}

// PageError implements engine.Backend.
func (b *Backend) PageError(context.Context) (bool, error) {
	nav := b.current()
	if nav == nil {
		return false, nil
	}
	finished, navErr := nav.state()
	return finished && navErr != nil, nil
}

// Eval implements engine.Backend.
func (b *Backend) Eval(ctx context.Context, expr string) (any, error) {
	var result any
	if err := b.run(ctx, chromedp.Evaluate(expr, &result)); err != nil {
		return nil, err
	}
	return result, nil
}

// SaveScreenshot implements engine.Backend. Quality 100 selects PNG.
func (b *Backend) SaveScreenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := b.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

// SaveHTML implements engine.Backend.
func (b *Backend) SaveHTML(ctx context.Context, path string) error {
	html, err := b.HTML(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, html, 0o600); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

func (b *Backend) onEvent(ev any) {
	nav := b.current()
	if nav == nil {
		return
	}
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Type != network.ResourceTypeDocument || !b.isMainFrame(e.FrameID) {
			return
		}
		if e.RedirectResponse != nil {
			nav.recordResponse(e.RedirectResponse)
		}
		if e.Request != nil {
			nav.recordHop(e.Request.URL)
		}
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil || !b.isMainFrame(e.FrameID) {
			return
		}
		nav.recordResponse(e.Response)
	}
}

func (b *Backend) isMainFrame(id cdp.FrameID) bool {
	return b.mainFrame == "" || id == "" || id == b.mainFrame
}

// navigation accumulates what one SET_URL produced.
type navigation struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	chain    []string
	codes    map[string]int
	headers  map[string]map[string]string
	finished bool
	err      error
}

func newNavigation(cancel context.CancelFunc) *navigation {
	return &navigation{
		cancel:  cancel,
		chain:   []string{"about:blank"},
		codes:   make(map[string]int),
		headers: make(map[string]map[string]string),
	}
}

func (n *navigation) recordHop(rawURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.chain[len(n.chain)-1] != rawURL {
		n.chain = append(n.chain, rawURL)
	}
}

func (n *navigation) recordResponse(resp *network.Response) {
	headers := flattenHeaders(resp.Headers)
	if resp.RemoteIPAddress != "" {
		headers[wire.HeaderServerAddress] = net.JoinHostPort(resp.RemoteIPAddress, strconv.FormatInt(resp.RemotePort, 10))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes[resp.URL] = int(resp.Status)
	n.headers[resp.URL] = headers
}

func (n *navigation) finish(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = true
	n.err = err
}

func (n *navigation) state() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.finished, n.err
}

func (n *navigation) snapshotChain() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.chain...)
}

func (n *navigation) snapshotCodes() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.codes))
	for k, v := range n.codes {
		out[k] = v
	}
	return out
}

func (n *navigation) snapshotHeaders() map[string]map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]map[string]string, len(n.headers))
	for k, v := range n.headers {
		inner := make(map[string]string, len(v))
		for hk, hv := range v {
			inner[hk] = hv
		}
		out[k] = inner
	}
	return out
}

func flattenHeaders(src network.Headers) map[string]string {
	out := make(map[string]string, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out[key] = v
		case []string:
			out[key] = strings.Join(v, ", ")
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, entry := range v {
				parts = append(parts, fmt.Sprint(entry))
			}
			out[key] = strings.Join(parts, ", ")
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
