// Package api serves the management protocol: one null-terminated request
// per connection, answered with a single JSON line.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/usbipd/internal/server/api/auth"
	apierror "github.com/Alia5/usbipd/internal/server/api/error"
	"github.com/Alia5/usbipd/internal/server/usb"
)

// Server implements the management API on top of a USB/IP server.
type Server struct {
	usbs   *usb.Server
	addr   string
	logger *slog.Logger
	router *Router
	config ServerConfig
	key    []byte

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates an API server for s. A configured password makes every
// connection authenticate first.
func New(s *usb.Server, config ServerConfig, logger *slog.Logger) (*Server, error) {
	a := &Server{
		usbs:   s,
		addr:   config.Addr,
		logger: logger,
		config: config,
		router: NewRouter(),
	}
	if config.Password != "" {
		key, err := auth.DeriveKey(config.Password)
		if err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
		a.key = key
	}
	return a, nil
}

// Router returns the router so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// USB returns the underlying USB server.
func (a *Server) USB() *usb.Server { return a.usbs }

// Start listens on the configured address and serves in the background.
func (a *Server) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", a.key != nil)
	a.wg.Add(1)
	go a.serve(ln)
	return nil
}

// Addr is the bound listen address, nil before Start.
func (a *Server) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Close stops accepting and waits for in-flight requests.
func (a *Server) Close() {
	a.mu.Lock()
	ln := a.ln
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	a.wg.Wait()
}

func (a *Server) serve(ln net.Listener) {
	defer a.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Error("API accept error", "error", err)
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(c)
		}()
	}
}

func writeError(w io.Writer, err error) {
	problemJSON, _ := json.Marshal(apierror.WrapError(err))
	_, _ = fmt.Fprintf(w, "%s\n", problemJSON)
}

func writeOK(w io.Writer, body string) {
	_, _ = fmt.Fprintf(w, "%s\n", body)
}

func (a *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	if a.config.ConnectionTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(a.config.ConnectionTimeout))
	}

	connLogger := a.logger.With("remote", raw.RemoteAddr().String())
	r := bufio.NewReader(raw)
	var conn net.Conn = raw

	if a.key != nil {
		ok, err := auth.IsAuthHandshake(r)
		if err != nil || !ok {
			connLogger.Warn("api request without authentication")
			writeError(raw, apierror.ErrUnauthorized("authentication required"))
			return
		}
		secure, err := auth.Accept(raw, r, a.key)
		if err != nil {
			connLogger.Warn("api authentication failed", "error", err)
			writeError(raw, err)
			return
		}
		conn = secure
		r = bufio.NewReader(secure)
	}

	reqData, err := r.ReadString('\x00')
	if err != nil {
		if errors.Is(err, io.EOF) {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")
	if reqData == "" {
		connLogger.Error("api empty command")
		writeError(conn, apierror.ErrBadRequest("empty request"))
		return
	}

	path, payload, _ := strings.Cut(reqData, " ")
	path = strings.TrimSpace(path)
	if path == "" {
		connLogger.Error("api empty path")
		writeError(conn, apierror.ErrBadRequest("empty path"))
		return
	}
	connLogger.Info("api cmd", "path", path)

	h, params := a.router.Match(path)
	if h == nil {
		connLogger.Error("api unknown path", "path", path)
		writeError(conn, apierror.ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
		return
	}
	req := &Request{Ctx: connCtx, Params: params, Payload: payload}
	res := &Response{}
	if err := h(req, res, connLogger); err != nil {
		connLogger.Error("api handler error", "path", path, "error", err)
		writeError(conn, err)
		return
	}
	connLogger.Debug("api handler success", "path", path)
	writeOK(conn, res.JSON)
}
