package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/metrics"
)

// maxReplyBytes bounds replies that are read until EOF.
const maxReplyBytes = 1 << 20

// Options configures a Client.
type Options struct {
	Host          string
	Port          int
	CallTimeout   time.Duration
	RetryInterval time.Duration
	RetryTimeout  time.Duration
	PollInterval  time.Duration
	PageTimeout   time.Duration
}

// DefaultOptions mirrors the engine's historical timing.
func DefaultOptions() Options {
	return Options{
		Host:          "localhost",
		Port:          7055,
		CallTimeout:   180 * time.Second,
		RetryInterval: 10 * time.Second,
		RetryTimeout:  180 * time.Second,
		PollInterval:  5 * time.Second,
		PageTimeout:   180 * time.Second,
	}
}

// Client talks to one engine command socket.
type Client struct {
	opts   Options
	logger *zap.Logger
	dialer net.Dialer

	mu   sync.RWMutex
	port int
}

// New constructs a client for the engine at opts.Host:opts.Port.
func New(opts Options, logger *zap.Logger) *Client {
	def := DefaultOptions()
	if opts.Host == "" {
		opts.Host = def.Host
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.RetryTimeout < 0 {
		opts.RetryTimeout = def.RetryTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.PageTimeout < 0 {
		opts.PageTimeout = def.PageTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		logger: logger,
		port:   opts.Port,
	}
}

// Port returns the port the client currently targets.
func (c *Client) Port() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.Port()))
}

// Call sends one command and returns the raw reply bytes.
func (c *Client) Call(ctx context.Context, command string, args any) ([]byte, error) {
	data, err := c.roundTrip(ctx, command, args, -1)
	metrics.ObserveWireCall(command, err)
	return data, err
}

// roundTrip performs a single request. A negative want reads until EOF;
// otherwise exactly want bytes are required.
func (c *Client) roundTrip(ctx context.Context, command string, args any, want int) ([]byte, error) {
	if args == nil {
		args = ""
	}
	payload, err := json.Marshal(Request{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", command, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(callCtx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnect, c.addr(), err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := callCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(callCtx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write %s: %w", command, err)
	}

	if want < 0 {
		data, err := io.ReadAll(io.LimitReader(conn, maxReplyBytes))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", command, err)
		}
		return data, nil
	}

	buf := make([]byte, want)
	n, err := io.ReadFull(conn, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%s: got %d of %d bytes: %w", command, n, want, ErrLengthMismatch)
		}
		return nil, fmt.Errorf("read %s: %w", command, err)
	}
	return buf, nil
}

// PayloadLen issues a *_LEN command and parses the decimal byte count.
func (c *Client) PayloadLen(ctx context.Context, lenCommand string) (int, error) {
	data, err := c.Call(ctx, lenCommand, "")
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, fmt.Errorf("%s returned empty reply: %w", lenCommand, ErrDecode)
	}
	if strings.HasPrefix(text, "{") {
		if err := checkReply(lenCommand, data); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%s returned %q: %w", lenCommand, text, ErrDecode)
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s returned %q: %w", lenCommand, text, ErrDecode)
	}
	return n, nil
}

// Payload fetches a length-prefixed payload. A zero length returns nil
// without issuing the payload command.
func (c *Client) Payload(ctx context.Context, lenCommand, command string) ([]byte, error) {
	n, err := c.PayloadLen(ctx, lenCommand)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	data, err := c.roundTrip(ctx, command, "", n)
	metrics.ObserveWireCall(command, err)
	return data, err
}

// Status sends a command whose reply is {"result":"DONE"} or an error envelope.
func (c *Client) Status(ctx context.Context, command string, args any) error {
	data, err := c.Call(ctx, command, args)
	if err != nil {
		return err
	}
	return checkReply(command, data)
}

func checkReply(command string, data []byte) error {
	var reply Reply
	if err := safeDecode(data, &reply); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	var result string
	if err := json.Unmarshal(reply.Result, &result); err == nil && result == ResultError {
		return fmt.Errorf("%s: %s: %w", command, reply.Message, ErrCommand)
	}
	return nil
}

func (c *Client) boolResult(ctx context.Context, command string) (bool, error) {
	data, err := c.Call(ctx, command, "")
	if err != nil {
		return false, err
	}
	if err := checkReply(command, data); err != nil {
		return false, err
	}
	var reply struct {
		Result string `json:"result"`
	}
	if err := safeDecode(data, &reply); err != nil {
		return false, fmt.Errorf("%s: %w", command, err)
	}
	return reply.Result == ResultTrue, nil
}

// Retry runs fn every RetryInterval until it succeeds or RetryTimeout elapses.
func (c *Client) Retry(ctx context.Context, command string, fn func(context.Context) error) error {
	var lastErr error
	for waited := time.Duration(0); ; waited += c.opts.RetryInterval {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", command, ctx.Err())
		}
		if waited+c.opts.RetryInterval > c.opts.RetryTimeout {
			break
		}
		c.logger.Warn("engine command failed, retrying",
			zap.String("command", command),
			zap.Int("port", c.Port()),
			zap.Error(lastErr))
		timer := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", command, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: %w: %w", command, ErrRetryTimeout, lastErr)
}

// Reset clears engine state between jobs, retrying until the engine is reachable.
func (c *Client) Reset(ctx context.Context) error {
	return c.Retry(ctx, CmdReset, func(ctx context.Context) error {
		return c.Status(ctx, CmdReset, "")
	})
}

// SetPort moves the engine's command socket and retargets the client.
func (c *Client) SetPort(ctx context.Context, port int) error {
	err := c.Retry(ctx, CmdSetPort, func(ctx context.Context) error {
		return c.Status(ctx, CmdSetPort, port)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
	return nil
}

// CurrentURL returns the address bar location.
func (c *Client) CurrentURL(ctx context.Context) (Location, error) {
	data, err := c.Call(ctx, CmdGetURL, "")
	if err != nil {
		return Location{}, err
	}
	var loc Location
	if err := safeDecode(data, &loc); err != nil {
		return Location{}, fmt.Errorf("%s: %w", CmdGetURL, err)
	}
	return loc, nil
}

// SetURL navigates to url.
func (c *Client) SetURL(ctx context.Context, url string) error {
	return c.Status(ctx, CmdSetURL, url)
}

// SetHeader adds or overrides a request header for the next navigation.
func (c *Client) SetHeader(ctx context.Context, name, value string) error {
	return c.Status(ctx, CmdSetHeader, []string{name, value})
}

// Headers returns response headers keyed by URL. Nil when none were recorded.
func (c *Client) Headers(ctx context.Context) (map[string]map[string]string, error) {
	data, err := c.Payload(ctx, CmdGetHeadersLen, CmdGetHeaders)
	if err != nil || data == nil {
		return nil, err
	}
	var headers map[string]map[string]string
	if err := safeDecode(data, &headers); err != nil {
		return nil, fmt.Errorf("%s: %w", CmdGetHeaders, err)
	}
	return headers, nil
}

// SetPref sets a browser preference.
func (c *Client) SetPref(ctx context.Context, pref crawler.Preference) error {
	return c.Status(ctx, CmdSetPref, []string{pref.Name, pref.Value, pref.Type})
}

// SetProxy routes traffic through p.
func (c *Client) SetProxy(ctx context.Context, p crawler.Proxy) error {
	return c.Status(ctx, CmdSetProxy, []string{p.Scheme, p.Host, p.Port})
}

// DisableProxy turns proxying off.
func (c *Client) DisableProxy(ctx context.Context) error {
	return c.Status(ctx, CmdDisableProxy, "")
}

// HTML returns the raw page markup. It is not JSON encoded.
func (c *Client) HTML(ctx context.Context) ([]byte, error) {
	return c.Payload(ctx, CmdGetHTMLLen, CmdGetHTML)
}

// Redirects returns the URLs seen in the address bar during navigation.
func (c *Client) Redirects(ctx context.Context) ([]string, error) {
	data, err := c.Payload(ctx, CmdGetRedirectsLen, CmdGetRedirects)
	if err != nil || data == nil {
		return nil, err
	}
	var chain []string
	if err := safeDecode(data, &chain); err != nil {
		return nil, fmt.Errorf("%s: %w", CmdGetRedirects, err)
	}
	return chain, nil
}

// ResponseCodes returns status codes keyed by URL. Nil when none were recorded.
func (c *Client) ResponseCodes(ctx context.Context) (map[string]crawler.StatusCode, error) {
	data, err := c.Payload(ctx, CmdGetResponseCodesLen, CmdGetResponseCodes)
	if err != nil || data == nil {
		return nil, err
	}
	var codes map[string]crawler.StatusCode
	if err := safeDecode(data, &codes); err != nil {
		return nil, fmt.Errorf("%s: %w", CmdGetResponseCodes, err)
	}
	return codes, nil
}

// PageLoaded reports whether the document finished loading.
func (c *Client) PageLoaded(ctx context.Context) (bool, error) {
	return c.boolResult(ctx, CmdHasPageLoaded)
}

// PageError reports whether the engine is showing its own error page.
func (c *Client) PageError(ctx context.Context) (bool, error) {
	return c.boolResult(ctx, CmdIsPageError)
}

// WaitForLoad polls PageLoaded every PollInterval up to PageTimeout. It returns
// false without error when the page never loaded.
func (c *Client) WaitForLoad(ctx context.Context) (bool, error) {
	for waited := time.Duration(0); waited <= c.opts.PageTimeout; waited += c.opts.PollInterval {
		loaded, err := c.PageLoaded(ctx)
		if err != nil {
			return false, err
		}
		if loaded {
			return true, nil
		}
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, fmt.Errorf("wait for load: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return false, nil
}

// EvalJS evaluates expr in the page and returns the decoded result.
func (c *Client) EvalJS(ctx context.Context, expr string) (any, error) {
	data, err := c.Call(ctx, CmdEvalJS, expr)
	if err != nil {
		return nil, err
	}
	if err := checkReply(CmdEvalJS, data); err != nil {
		return nil, err
	}
	var reply struct {
		Result any `json:"result"`
	}
	if err := safeDecode(data, &reply); err != nil {
		return nil, fmt.Errorf("%s: %w", CmdEvalJS, err)
	}
	return reply.Result, nil
}

// SaveScreenshot asks the engine to write a PNG screenshot to path.
func (c *Client) SaveScreenshot(ctx context.Context, path string) error {
	return c.Status(ctx, CmdSaveScreenshot, path)
}

// SaveHTML asks the engine to write the page markup to path.
func (c *Client) SaveHTML(ctx context.Context, path string) error {
	return c.Status(ctx, CmdSaveHTML, path)
}

// safeDecode unmarshals data. Invalid UTF-8 sequences are dropped first;
// well-formed U+FFFD sent by the engine is kept.
func safeDecode(data []byte, v any) error {
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), ""))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}
