// Package engine serves the rendering-engine command socket on top of a
// pluggable Backend, so engines other than the browser extension can be driven
// through the same wire protocol.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

// Backend renders pages on behalf of the command server.
type Backend interface {
	Reset(ctx context.Context) error
	Location(ctx context.Context) (wire.Location, error)
	Navigate(ctx context.Context, url string) error
	SetHeader(ctx context.Context, name, value string) error
	Headers(ctx context.Context) (map[string]map[string]string, error)
	SetPref(ctx context.Context, pref crawler.Preference) error
	SetProxy(ctx context.Context, proxy crawler.Proxy) error
	DisableProxy(ctx context.Context) error
	HTML(ctx context.Context) ([]byte, error)
	Redirects(ctx context.Context) ([]string, error)
	ResponseCodes(ctx context.Context) (map[string]int, error)
	PageLoaded(ctx context.Context) (bool, error)
	PageError(ctx context.Context) (bool, error)
	Eval(ctx context.Context, expr string) (any, error)
	SaveScreenshot(ctx context.Context, path string) error
	SaveHTML(ctx context.Context, path string) error
}

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("engine server closed")

const defaultHandlerTimeout = 180 * time.Second

type request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

// Server accepts one JSON command per connection.
type Server struct {
	backend        Backend
	logger         *zap.Logger
	handlerTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	host    string
	closed  bool
	pending map[string][]byte

	wg sync.WaitGroup
}

// NewServer builds a server for backend. A zero handlerTimeout uses 180s.
func NewServer(backend Backend, logger *zap.Logger, handlerTimeout time.Duration) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend:        backend,
		logger:         logger,
		handlerTimeout: handlerTimeout,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string][]byte),
	}
}

// Listen binds the command socket. Port 0 picks a free port.
func (s *Server) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen engine socket: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.host = host
	return nil
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	addr, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Serve accepts connections until Close is called or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		s.mu.Lock()
		ln := s.ln
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return ErrServerClosed
		}
		if ln == nil {
			return errors.New("engine server not listening")
		}

		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			swapped := s.ln != ln
			closed = s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			if swapped {
				continue
			}
			return fmt.Errorf("accept engine connection: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops accepting, cancels in-flight commands and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	s.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close engine listener: %w", err)
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.handlerTimeout))

	var req request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("malformed engine command", zap.Error(err))
		s.write(conn, mustJSON(wire.Failure("malformed command: "+err.Error())))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.handlerTimeout)
	defer cancel()

	reply, after := s.dispatch(ctx, req)
	s.write(conn, reply)
	if after != nil {
		after()
	}
}

func (s *Server) write(conn net.Conn, reply []byte) {
	if _, err := conn.Write(reply); err != nil {
		s.logger.Debug("write engine reply", zap.Error(err))
	}
}

// dispatch runs one command. The optional func runs after the reply is sent.
func (s *Server) dispatch(ctx context.Context, req request) ([]byte, func()) {
	s.logger.Debug("engine command", zap.String("command", req.Command))
	switch req.Command {
	case wire.CmdReset:
		s.clearPending()
		return status(s.backend.Reset(ctx)), nil
	case wire.CmdGetURL:
		loc, err := s.backend.Location(ctx)
		if err != nil {
			return failure(err), nil
		}
		return mustJSON(loc), nil
	case wire.CmdSetURL:
		var url string
		if err := json.Unmarshal(req.Args, &url); err != nil {
			return failure(fmt.Errorf("SET_URL expects a string: %w", err)), nil
		}
		s.clearPending()
		return status(s.backend.Navigate(ctx, url)), nil
	case wire.CmdSetHeader:
		args, err := stringArgs(req.Args, 2)
		if err != nil {
			return failure(err), nil
		}
		return status(s.backend.SetHeader(ctx, args[0], args[1])), nil
	case wire.CmdSetPref:
		args, err := stringArgs(req.Args, 3)
		if err != nil {
			return failure(err), nil
		}
		pref := crawler.Preference{Name: args[0], Value: args[1], Type: args[2]}
		return status(s.backend.SetPref(ctx, pref)), nil
	case wire.CmdSetProxy:
		args, err := stringArgs(req.Args, 3)
		if err != nil {
			return failure(err), nil
		}
		proxy := crawler.Proxy{Scheme: args[0], Host: args[1], Port: args[2]}
		return status(s.backend.SetProxy(ctx, proxy)), nil
	case wire.CmdDisableProxy:
		return status(s.backend.DisableProxy(ctx)), nil
	case wire.CmdHasPageLoaded:
		ok, err := s.backend.PageLoaded(ctx)
		if err != nil {
			return failure(err), nil
		}
		return mustJSON(wire.Bool(ok)), nil
	case wire.CmdIsPageError:
		ok, err := s.backend.PageError(ctx)
		if err != nil {
			return failure(err), nil
		}
		return mustJSON(wire.Bool(ok)), nil
	case wire.CmdEvalJS:
		var expr string
		if err := json.Unmarshal(req.Args, &expr); err != nil {
			return failure(fmt.Errorf("EVAL_JS expects a string: %w", err)), nil
		}
		val, err := s.backend.Eval(ctx, expr)
		if err != nil {
			return failure(err), nil
		}
		return mustJSON(map[string]any{"result": val}), nil
	case wire.CmdSaveScreenshot, wire.CmdSaveHTML:
		var path string
		if err := json.Unmarshal(req.Args, &path); err != nil {
			return failure(fmt.Errorf("%s expects a path: %w", req.Command, err)), nil
		}
		if req.Command == wire.CmdSaveScreenshot {
			return status(s.backend.SaveScreenshot(ctx, path)), nil
		}
		return status(s.backend.SaveHTML(ctx, path)), nil
	case wire.CmdGetHTMLLen, wire.CmdGetHeadersLen, wire.CmdGetRedirectsLen, wire.CmdGetResponseCodesLen:
		payloadCmd := req.Command[:len(req.Command)-len("_LEN")]
		data, err := s.payload(ctx, payloadCmd)
		if err != nil {
			return failure(err), nil
		}
		s.setPending(payloadCmd, data)
		return []byte(strconv.Itoa(len(data))), nil
	case wire.CmdGetHTML, wire.CmdGetHeaders, wire.CmdGetRedirects, wire.CmdGetResponseCodes:
		if data, ok := s.takePending(req.Command); ok {
			return data, nil
		}
		data, err := s.payload(ctx, req.Command)
		if err != nil {
			return failure(err), nil
		}
		return data, nil
	case wire.CmdSetPort:
		return s.rebind(req.Args)
	default:
		return failure(fmt.Errorf("unknown command %q", req.Command)), nil
	}
}

// payload renders the body of a length-prefixed command.
func (s *Server) payload(ctx context.Context, command string) ([]byte, error) {
	switch command {
	case wire.CmdGetHTML:
		return s.backend.HTML(ctx)
	case wire.CmdGetHeaders:
		headers, err := s.backend.Headers(ctx)
		if err != nil || len(headers) == 0 {
			return nil, err
		}
		return json.Marshal(headers)
	case wire.CmdGetRedirects:
		chain, err := s.backend.Redirects(ctx)
		if err != nil {
			return nil, err
		}
		if chain == nil {
			chain = []string{}
		}
		return json.Marshal(chain)
	case wire.CmdGetResponseCodes:
		codes, err := s.backend.ResponseCodes(ctx)
		if err != nil || len(codes) == 0 {
			return nil, err
		}
		return json.Marshal(codes)
	default:
		return nil, fmt.Errorf("no payload for %q", command)
	}
}

func (s *Server) rebind(raw json.RawMessage) ([]byte, func()) {
	args, err := stringArgs(json.RawMessage("["+string(raw)+"]"), 1)
	if err != nil {
		return failure(err), nil
	}
	port, err := crawler.ParsePort(args[0])
	if err != nil {
		return failure(err), nil
	}
	s.mu.Lock()
	host := s.host
	old := s.ln
	s.mu.Unlock()

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return failure(fmt.Errorf("rebind to %d: %w", port, err)), nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return failure(ErrServerClosed), nil
	}
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("engine socket moved", zap.Int("port", port))
	return mustJSON(wire.Done()), func() {
		if old != nil {
			_ = old.Close()
		}
	}
}

func (s *Server) setPending(command string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[command] = data
}

func (s *Server) takePending(command string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.pending[command]
	if ok {
		delete(s.pending, command)
	}
	return data, ok
}

func (s *Server) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.pending)
}

func status(err error) []byte {
	if err != nil {
		return failure(err)
	}
	return mustJSON(wire.Done())
}

func failure(err error) []byte {
	return mustJSON(wire.Failure(err.Error()))
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"result":"ERROR","message":"encode reply"}`)
	}
	return data
}

// stringArgs decodes a JSON array of n scalars into strings.
func stringArgs(raw json.RawMessage, n int) ([]string, error) {
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected an argument list: %w", err)
	}
	if len(items) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(items))
	}
	out := make([]string, n)
	for i, item := range items {
		switch v := item.(type) {
		case string:
			out[i] = v
		case float64:
			out[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[i] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("argument %d has unsupported type %T", i, item)
		}
	}
	return out, nil
}
