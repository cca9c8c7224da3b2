// Package browser starts and stops the rendering engines workers drive over
// the wire protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

// Kind selects the engine a Controller runs.
type Kind string

// Supported engines.
const (
	Firefox Kind = "firefox"
	Chrome  Kind = "chrome"
)

var profilePrefix = map[Kind]string{Firefox: "ff", Chrome: "chrome"}

// ErrStart is returned when an engine could not be brought to a state that
// answers RESET.
var ErrStart = errors.New("browser start failed")

// ParseKind validates a configured engine name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Firefox, Chrome:
		return Kind(s), nil
	case "":
		return Firefox, nil
	default:
		return "", fmt.Errorf("unknown browser %q (want %s or %s)", s, Firefox, Chrome)
	}
}

// Options configures engines started by a Controller.
type Options struct {
	Kind Kind
	// Binary is the executable to launch. Empty uses the engine default.
	Binary string
	// TemplateDir is copied into each profile directory.
	TemplateDir string
	// PortFile, relative to the profile, has PortPlaceholder replaced with the
	// command port (firefox only).
	PortFile        string
	PortPlaceholder string
	Headless        bool
	// ProfileRoot holds one profile directory per running engine.
	ProfileRoot string
	// LaunchProxy is applied when the engine starts (chrome only).
	LaunchProxy *crawler.Proxy
	Wire        wire.Options
}

// process is one running engine.
type process interface {
	alive() bool
	kill() error
}

// Controller owns at most one running engine bound to a fixed command port.
// It is used by a single worker and is not safe for concurrent use.
type Controller struct {
	opts   Options
	port   int
	logger *zap.Logger

	dir    string
	proc   process
	client *wire.Client
}

// New returns a controller for the engine listening on port.
func New(opts Options, port int, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Kind == "" {
		opts.Kind = Firefox
	}
	return &Controller{opts: opts, port: port, logger: logger.With(zap.Int("port", port))}
}

// Port returns the command port.
func (c *Controller) Port() int {
	return c.port
}

// Start launches the engine and waits until it answers RESET.
func (c *Controller) Start(ctx context.Context) (*wire.Client, error) {
	if c.proc != nil {
		return nil, fmt.Errorf("%w: engine already running on port %d", ErrStart, c.port)
	}
	c.dir = filepath.Join(c.opts.ProfileRoot, profilePrefix[c.opts.Kind]+"_"+strconv.Itoa(c.port))

	var (
		proc process
		err  error
	)
	switch c.opts.Kind {
	case Firefox:
		proc, err = startFirefox(c.opts, c.dir, c.port, c.logger)
	case Chrome:
		proc, err = startChrome(ctx, c.opts, c.dir, c.port, c.logger)
	default:
		err = fmt.Errorf("unknown browser %q", c.opts.Kind)
	}
	if err != nil {
		_ = os.RemoveAll(c.dir)
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}
	c.proc = proc

	wopts := c.opts.Wire
	wopts.Port = c.port
	client := wire.New(wopts, c.logger)
	if err := client.Reset(ctx); err != nil {
		c.logger.Error("engine did not answer, cleaning up", zap.Error(err))
		_ = c.Stop()
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}
	c.client = client
	c.logger.Info("browser started", zap.String("browser", string(c.opts.Kind)), zap.String("profile", c.dir))
	return client, nil
}

// Running reports whether the engine process is still alive.
func (c *Controller) Running() bool {
	return c.proc != nil && c.proc.alive()
}

// Stop kills the engine if it is alive and removes its profile directory.
// It is safe to call on a stopped controller.
func (c *Controller) Stop() error {
	var errs []error
	if c.proc != nil {
		if err := c.proc.kill(); err != nil {
			errs = append(errs, err)
		}
		c.proc = nil
	}
	c.client = nil
	if c.dir != "" {
		if err := os.RemoveAll(c.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove profile: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Debug("browser stopped")
	return nil
}
