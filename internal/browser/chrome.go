package browser

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/engine"
	"github.com/JakeFAU/pagefleet/internal/engine/chrome"
)

// chromeProcess is a chromedp-driven Chrome plus the in-process command
// endpoint that exposes it on the wire protocol.
type chromeProcess struct {
	backend *chrome.Backend
	server  *engine.Server
	done    chan struct{}
}

func startChrome(ctx context.Context, opts Options, dir string, port int, logger *zap.Logger) (process, error) {
	if opts.TemplateDir != "" {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			if err := copyTree(opts.TemplateDir, dir); err != nil {
				return nil, fmt.Errorf("copy profile template: %w", err)
			}
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	backend, err := chrome.New(ctx, chrome.Config{
		Binary:            opts.Binary,
		UserDataDir:       dir,
		Headless:          opts.Headless,
		Proxy:             opts.LaunchProxy,
		NavigationTimeout: opts.Wire.PageTimeout,
	}, logger.Named("chrome"))
	if err != nil {
		return nil, err
	}

	host := opts.Wire.Host
	if host == "" {
		host = "localhost"
	}
	server := engine.NewServer(backend, logger.Named("endpoint"), opts.Wire.CallTimeout)
	if err := server.Listen(host, port); err != nil {
		backend.Close()
		return nil, err
	}
	p := &chromeProcess{backend: backend, server: server, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := server.Serve(context.Background()); err != nil && !errors.Is(err, engine.ErrServerClosed) {
			logger.Warn("engine endpoint stopped", zap.Error(err))
		}
	}()
	return p, nil
}

func (p *chromeProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return p.backend.Alive()
}

func (p *chromeProcess) kill() error {
	err := p.server.Close()
	<-p.done
	p.backend.Close()
	if err != nil && !errors.Is(err, engine.ErrServerClosed) {
		return fmt.Errorf("close engine endpoint: %w", err)
	}
	return nil
}
