// Package usb implements the USB/IP server: handshake, device attach and the
// per-connection URB session engine.
package usb

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Alia5/usbipd/internal/log"
	"github.com/Alia5/usbipd/internal/metrics"
	"github.com/Alia5/usbipd/internal/registry"
	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

// DeviceState is the export state of a local device.
type DeviceState int

const (
	// NotConnectable devices (hubs, excluded ids) are never listed or imported.
	NotConnectable DeviceState = iota
	Connectable
	Connected
)

func (s DeviceState) String() string {
	switch s {
	case Connectable:
		return "connectable"
	case Connected:
		return "connected"
	default:
		return "not-connectable"
	}
}

// DeviceStatus is a local device with its export state.
type DeviceStatus struct {
	Info  usb.DeviceInfo
	State DeviceState
	// Remote is the client address while the device is attached.
	Remote string
}

// Sessions is the table of attached devices shared by the server and its collaborators.
type Sessions = registry.Registry[usb.DeviceID, *Session]

type vidPid struct {
	vid, pid uint16
}

type Server struct {
	config    *ServerConfig
	host      usb.Host
	logger    *slog.Logger
	rawLogger log.RawLogger
	events    EventSink
	metrics   *metrics.Metrics
	sessions  *Sessions
	exclude   []vidPid

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Server)

// WithEvents sets the sink for attach state changes.
func WithEvents(e EventSink) Option {
	return func(s *Server) { s.events = e }
}

// WithMetrics sets the collectors; nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSessions shares an existing session table.
func WithSessions(r *Sessions) Option {
	return func(s *Server) { s.sessions = r }
}

func New(config ServerConfig, host usb.Host, logger *slog.Logger, rawLogger log.RawLogger, opts ...Option) *Server {
	s := &Server{
		config:    &config,
		host:      host,
		logger:    logger,
		rawLogger: rawLogger,
		events:    nopEvents{},
		sessions:  registry.New[usb.DeviceID, *Session](),
		ready:     make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	for _, e := range config.Exclude {
		vp, err := parseVidPid(e)
		if err != nil {
			logger.Warn("Ignoring exclude entry", "entry", e, "error", err)
			continue
		}
		s.exclude = append(s.exclude, vp)
	}
	return s
}

func parseVidPid(s string) (vidPid, error) {
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return vidPid{}, fmt.Errorf("expected vid:pid, got %q", s)
	}
	vid, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return vidPid{}, fmt.Errorf("invalid vendor id %q: %w", v, err)
	}
	pid, err := strconv.ParseUint(p, 16, 16)
	if err != nil {
		return vidPid{}, fmt.Errorf("invalid product id %q: %w", p, err)
	}
	return vidPid{vid: uint16(vid), pid: uint16(pid)}, nil
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.Serve(ln); err != nil {
			s.logger.Error("USBIP server error", "error", err)
		}
	}()
	<-s.ready
	return nil
}

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		if !s.track(c) {
			_ = c.Close()
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) || errors.Is(err, ErrDetached) || errors.Is(err, ErrServerClosed) {
					s.logger.Info("Client disconnected", "remote", c.RemoteAddr(), "error", err)
				} else {
					s.logger.Error("Connection handler error", "remote", c.RemoteAddr(), "error", err)
				}
			}
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops the listener, detaches every session and waits for all
// connection handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := lo.Keys(s.conns)
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sess := range s.sessions.Values() {
		sess.close(ErrServerClosed)
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

// GetListenPort returns the bound port, or the configured one before binding.
func (s *Server) GetListenPort() uint16 {
	addr := s.config.Addr
	s.mu.Lock()
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	s.mu.Unlock()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// AttachedDeviceCount returns the number of devices currently imported by clients.
func (s *Server) AttachedDeviceCount() int { return s.sessions.Len() }

// Devices lists local devices with their export state, ordered by device id.
func (s *Server) Devices() ([]DeviceStatus, error) {
	infos, err := s.host.Devices()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceStatus, 0, len(infos))
	for _, info := range infos {
		st := DeviceStatus{Info: info, State: Connectable}
		switch {
		case !s.exportable(info):
			st.State = NotConnectable
		default:
			if sess, ok := s.sessions.Get(info.ID); ok {
				st.State = Connected
				st.Remote = sess.conn.RemoteAddr().String()
			}
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b DeviceStatus) int { return cmp.Compare(a.Info.ID, b.Info.ID) })
	return out, nil
}

// Detach tears down the session holding busID and waits until it is gone.
func (s *Server) Detach(busID string) error {
	id, err := usb.ParseBusID(busID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s is not attached", ErrDeviceNotFound, busID)
	}
	sess.close(ErrDetached)
	<-sess.Done()
	return nil
}

func (s *Server) exportable(info usb.DeviceInfo) bool {
	if info.Device.BDeviceClass == usb.ClassHub {
		return false
	}
	return !lo.Contains(s.exclude, vidPid{vid: info.Device.IDVendor, pid: info.Device.IDProduct})
}

// deviceExists reports whether id still enumerates. Enumeration errors count as present.
func (s *Server) deviceExists(id usb.DeviceID) bool {
	infos, err := s.host.Devices()
	if err != nil {
		return true
	}
	return lo.ContainsBy(infos, func(d usb.DeviceInfo) bool { return d.ID == id })
}

// detached unregisters sess and notifies listeners.
func (s *Server) detached(sess *Session) {
	if !s.sessions.RemoveIf(sess.info.ID, func(v *Session) bool { return v == sess }) {
		return
	}
	s.metrics.SessionClosed()
	s.events.DeviceDisconnected(sess.info)
	s.events.NotificationUpdate(s.sessions.Len())
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if hdr.Version != usbip.Version {
		return fmt.Errorf("%w: version 0x%04x", usbip.ErrMalformedPacket, hdr.Version)
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		sess, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		if sess == nil {
			return nil
		}
		_ = conn.SetDeadline(time.Time{})
		return sess.serve()
	default:
		return fmt.Errorf("%w: 0x%04x", usbip.ErrUnknownOpcode, hdr.Command)
	}
}
