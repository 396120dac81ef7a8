package transport

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/exthost/dispatch"
	"github.com/wippyai/exthost/errors"
)

// DefaultPath is where the server accepts WebSocket connections.
const DefaultPath = "/calls"

const writeWait = 10 * time.Second

// Processor runs calls. *host.Host implements it.
type Processor interface {
	Process(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error)
}

// Config holds server configuration.
type Config struct {
	Logger *zap.Logger

	// Addr is the TCP address to listen on, e.g. "127.0.0.1:0".
	Addr string

	// Path is the WebSocket endpoint. Empty means DefaultPath.
	Path string

	// ReadLimit caps the size of one frame in bytes. 0 means no limit.
	ReadLimit int64
}

// Server accepts client connections and feeds their frames to a Processor.
type Server struct {
	proc     Processor
	logger   *zap.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	ln       net.Listener
	conns    map[*conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	addr     string
	path     string
	limit    int64
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewServer creates a server. Call Bind, then Serve.
func NewServer(proc Processor, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Server{
		proc:   proc,
		logger: cfg.Logger,
		conns:  make(map[*conn]struct{}),
		addr:   cfg.Addr,
		path:   cfg.Path,
		limit:  cfg.ReadLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the host listens on loopback for its own launcher
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.path == "" {
		s.path = DefaultPath
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handle)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: writeWait}
	return s
}

// Bind opens the listening socket. Failure is fatal: the host cannot serve
// without its channel.
func (s *Server) Bind() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Fatal(errors.PhaseTransport, "bind "+s.addr, err)
	}
	s.ln = ln
	s.logger.Info("transport bound", zap.String("addr", ln.Addr().String()), zap.String("path", s.path))
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// URL returns the WebSocket URL clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr().String() + s.path
}

// Handler returns the HTTP handler serving the endpoint.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.Fatal(errors.PhaseTransport, "serve before bind", nil)
	}
	err := s.http.Serve(s.ln)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.limit > 0 {
		ws.SetReadLimit(s.limit)
	}

	c := &conn{ws: ws, server: s}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("client connected", zap.String("remote", ws.RemoteAddr().String()))
	go c.readLoop()
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting connections, closes every open one and waits for
// their in-flight requests to finish.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.http.Shutdown(ctx)
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// conn is one client connection.
type conn struct {
	ws      *websocket.Conn
	server  *Server
	writeMu sync.Mutex
	pending sync.WaitGroup
}

func (c *conn) readLoop() {
	s := c.server
	defer func() {
		c.pending.Wait()
		c.close()
		s.drop(c)
		s.wg.Done()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				s.logger.Warn("client read failed", zap.Error(err))
			}
			return
		}

		var call dispatch.Call
		if err := decode(data, &call); err != nil {
			c.write(&Response{Error: errorBody(errors.New(errors.PhaseTransport, errors.KindInvalidInput).
				Cause(err).
				Detail("malformed frame").
				Build())})
			continue
		}

		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			c.serve(&call)
		}()
	}
}

func (c *conn) serve(call *dispatch.Call) {
	resp := &Response{ID: call.ID}
	res, err := c.server.proc.Process(c.server.ctx, call)
	if err != nil {
		resp.Error = errorBody(err)
	} else {
		resp.Result = res
	}
	c.write(resp)
}

func (c *conn) write(resp *Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(resp); err != nil {
		c.server.logger.Debug("response write failed", zap.String("id", resp.ID), zap.Error(err))
	}
}

func (c *conn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}
