package usb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Alia5/usbipd/internal/fifo"
	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

// MaxConcurrentTransfers is the number of limiter units per attached device.
// A control transfer takes all of them.
const MaxConcurrentTransfers = 50

type endpointKey struct {
	dir usb.Direction
	num uint8
}

// pendingTransfer is a URB between routing and its reply. Every field except
// admitted and buf is immutable after creation; those two are guarded by Session.mu.
type pendingTransfer struct {
	cmd   *usbip.CmdSubmit
	kind  usb.TransferKind
	dir   usb.Direction
	addr  uint8
	units int64

	admitted bool
	buf      []byte
}

// Session is one attached device driven by one client connection.
type Session struct {
	srv    *Server
	info   usb.DeviceInfo
	handle usb.Handle
	conn   net.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	limiter   *semaphore.Weighted
	admission fifo.Lanes[uint8]
	pool      bufferPool
	replies   *replyQueue

	mu           sync.Mutex
	activeConfig *usb.ConfigDescriptor
	altSettings  map[uint8]uint8
	claimed      map[uint8]struct{}
	endpoints    map[endpointKey]usb.EndpointDescriptor
	pending      map[uint32]*pendingTransfer

	probing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(srv *Server, info usb.DeviceInfo, handle usb.Handle, conn net.Conn) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		srv:         srv,
		info:        info,
		handle:      handle,
		conn:        conn,
		logger:      srv.logger.With("busid", info.ID.BusID(), "remote", conn.RemoteAddr()),
		ctx:         ctx,
		cancel:      cancel,
		limiter:     semaphore.NewWeighted(MaxConcurrentTransfers),
		replies:     newReplyQueue(),
		altSettings: make(map[uint8]uint8),
		claimed:     make(map[uint8]struct{}),
		endpoints:   make(map[endpointKey]usb.EndpointDescriptor),
		pending:     make(map[uint32]*pendingTransfer),
		closed:      make(chan struct{}),
	}
	return s
}

// claimCurrent claims every interface of the device's current configuration.
// Failures are logged and skipped.
func (s *Session) claimCurrent() {
	cfg, ok := s.info.CurrentConfig()
	if !ok {
		return
	}
	for _, iface := range cfg.Interfaces {
		if err := s.handle.ClaimInterface(iface.Number); err != nil {
			s.logger.Warn("Failed to claim interface", "interface", iface.Number, "error", err)
			continue
		}
		s.claimed[iface.Number] = struct{}{}
	}
}

// Info returns the attached device.
func (s *Session) Info() usb.DeviceInfo { return s.info }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// serve runs the reader and writer loops until either fails or the session
// is closed, then tears the session down.
func (s *Session) serve() error {
	g, ctx := errgroup.WithContext(s.ctx)
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	g.Go(func() error { return s.readLoop() })
	g.Go(func() error { return s.writeLoop(ctx) })

	err := g.Wait()
	if cause := context.Cause(s.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	s.close(err)
	return err
}

func (s *Session) readLoop() error {
	for {
		cmd, err := usbip.ReadCommand(s.conn)
		if err != nil {
			return fmt.Errorf("read URB: %w", err)
		}
		switch c := cmd.(type) {
		case *usbip.CmdSubmit:
			s.submit(c)
		case *usbip.CmdUnlink:
			s.unlink(c)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		r, ok := s.replies.pop(ctx.Done())
		if !ok {
			return nil
		}
		err := r.pkt.Write(s.conn)
		r.done()
		if err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

func (s *Session) enqueue(pkt packet, release func()) {
	if !s.replies.push(reply{pkt: pkt, release: release}) && release != nil {
		release()
	}
}

// take removes the pending entry for seq if it is still p.
func (s *Session) take(seq uint32, p *pendingTransfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[seq] != p {
		return false
	}
	delete(s.pending, seq)
	return true
}

func (s *Session) isPending(seq uint32, p *pendingTransfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[seq] == p
}

func (s *Session) endpoint(dir usb.Direction, num uint8) (usb.EndpointDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[endpointKey{dir: dir, num: num}]
	return ep, ok
}

// rebuildEndpointsLocked recomputes the endpoint cache from the active
// configuration and the selected alternate of each interface.
func (s *Session) rebuildEndpointsLocked() {
	eps := make(map[endpointKey]usb.EndpointDescriptor)
	if s.activeConfig != nil {
		for _, iface := range s.activeConfig.Interfaces {
			alt, ok := iface.AltSetting(s.altSettings[iface.Number])
			if !ok {
				continue
			}
			for _, ep := range alt.Endpoints {
				eps[endpointKey{dir: ep.Direction(), num: ep.Number()}] = ep
			}
		}
	}
	s.endpoints = eps
}

// pendingCount returns the number of transfers awaiting a reply.
func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// probeVanished tears the session down if the device no longer enumerates.
// Concurrent probes collapse into one.
func (s *Session) probeVanished() {
	if !s.probing.CompareAndSwap(false, true) {
		return
	}
	defer s.probing.Store(false)
	if s.srv.deviceExists(s.info.ID) {
		return
	}
	s.logger.Warn("Device vanished")
	s.close(ErrDeviceVanished)
}

// close tears the session down once. cause is recorded as the context cause.
func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrDetached
		}
		s.cancel(cause)
		_ = s.conn.Close()
		// Admission gives up on a cancelled context; after this nothing new
		// reaches the handle.
		s.admission.Close()

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[uint32]*pendingTransfer)
		claimed := s.claimed
		s.claimed = make(map[uint8]struct{})
		s.endpoints = make(map[endpointKey]usb.EndpointDescriptor)
		s.mu.Unlock()

		for _, p := range pending {
			if p.admitted {
				s.limiter.Release(p.units)
			}
		}
		s.srv.metrics.TransfersDropped(len(pending))

		// Interfaces are released only once no transfer is using them.
		if err := s.handle.Drain(); err != nil {
			s.logger.Debug("Drain failed", "error", err)
		}
		for num := range claimed {
			if err := s.handle.ReleaseInterface(num); err != nil {
				s.logger.Debug("Failed to release interface", "interface", num, "error", err)
			}
		}
		if err := s.handle.Close(); err != nil {
			s.logger.Warn("Failed to close device", "error", err)
		}
		s.replies.close()

		s.srv.detached(s)
		s.logger.Info("Device detached", "reason", cause)
		close(s.closed)
	})
}
