package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const DefaultPort = 9090

// Server accepts WebSocket connections and pushes broadcast output to them.
// Clients are not expected to send anything; inbound messages are ignored.
type Server struct {
	logger *zap.SugaredLogger

	listenAddr string

	registry    *Registry
	broadcaster *Broadcaster

	// ctx is the base context of every request, and is cancelled on Stop
	ctx    context.Context
	cancel func()

	listener   net.Listener
	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs a server. It does not bind until Listen or Run is called.
func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:     logger.Named("server").Sugar(),
		listenAddr: fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		registry:   NewRegistry(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.broadcaster = NewBroadcaster(ctx, s.logger.Named("broadcaster"), s.registry)
	return s, nil
}

// Registry returns the set of live connections.
func (s *Server) Registry() *Registry { return s.registry }

// Broadcaster returns the writer that fans output out to all live connections.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Addr returns the bound address, or nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the listen address. Bind errors are returned as-is to the caller, there is no fallback port.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.listener = listener

	router := httprouter.New()
	router.GET("/status", s.status)
	// overlay clients may connect on any path
	router.NotFound = http.HandlerFunc(s.serveWS)
	router.HandleMethodNotAllowed = false

	s.httpServer = &http.Server{
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}

	s.logger.Infof("listening for dev error WebSocket connections on ws://%s", listener.Addr())
	return nil
}

// Serve serves connections on the bound listener and returns once the server has stopped.
func (s *Server) Serve() error {
	if s.httpServer == nil {
		return errors.New("server is not listening")
	}
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run binds and serves, returning once the server has stopped.
func (s *Server) Run() error {
	err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() error {
	defer s.cancel()
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Close()
	// Close only tracks the listener once Serve has been called
	if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	// WebSocket conns are hijacked, so the HTTP server does not close them.
	// Anything accepted after this snapshot is closed when the base context is cancelled.
	// Each close waits for the peer's close frame, so they run concurrently.
	var group errgroup.Group
	for _, c := range s.registry.Snapshot() {
		c := c
		group.Go(func() error {
			if cerr := c.Transport.Close(); cerr != nil {
				return fmt.Errorf("closing conn %d: %w", c.ID, cerr)
			}
			return nil
		})
	}
	if cerr := group.Wait(); cerr != nil {
		s.logger.Debugf("error closing conns: %s", cerr)
	}
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// the overlay page is served from a different local origin
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}

	writer := newConnWriter(s.ctx, s.logger.Named("conn_writer"), &wsTransport{conn: wsConn})
	id := s.registry.Register(writer)
	s.logger.Debugw("accepted WebSocket conn", "ID", id, "RemoteAddr", r.RemoteAddr, "Path", r.URL.Path)
	defer func() {
		if s.registry.Deregister(id) {
			s.logger.Debugw("closed WebSocket conn", "ID", id)
		}
		writer.Close()
	}()

	// the channel is server->client only, anything the client sends is read and dropped until the conn closes
	for {
		_, _, err := wsConn.Read(r.Context())
		if err != nil {
			s.logger.Debugw("WebSocket conn read ended", "ID", id, "Error", err)
			return
		}
	}
}

// Status describes the server's live connections.
type Status struct {
	Connections int
	NextID      ConnID
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(Status{
		Connections: s.registry.Len(),
		NextID:      s.registry.NextID(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
