package libusb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/Alia5/usbipd/internal/fifo"
	"github.com/Alia5/usbipd/usb"
)

type handle struct {
	id         usb.DeviceID
	dev        *gousb.Device
	onComplete usb.CompletionFunc
	logger     *slog.Logger

	mu     sync.Mutex
	cfg    *gousb.Config
	ifaces map[uint8]*gousb.Interface
	alts   map[uint8]uint8
	// inflight maps seqnum to the cancel func of its queued or running transfer.
	inflight map[uint32]context.CancelFunc
	// closed rejects submits once draining started; released marks Close.
	closed   bool
	released bool

	// ctrlMu serializes control transfers and writes to dev.ControlTimeout.
	ctrlMu sync.Mutex
	// lanes run the transfers of one endpoint in submit order.
	lanes fifo.Lanes[uint8]
	wg    sync.WaitGroup
}

func newHandle(id usb.DeviceID, dev *gousb.Device, onComplete usb.CompletionFunc, logger *slog.Logger) *handle {
	return &handle{
		id:         id,
		dev:        dev,
		onComplete: onComplete,
		logger:     logger,
		ifaces:     make(map[uint8]*gousb.Interface),
		alts:       make(map[uint8]uint8),
		inflight:   make(map[uint32]context.CancelFunc),
	}
}

// configLocked returns the open configuration, opening the active one on
// first use.
func (h *handle) configLocked() (*gousb.Config, error) {
	if h.cfg != nil {
		return h.cfg, nil
	}
	n, err := h.dev.ActiveConfigNum()
	if err != nil {
		return nil, mapError(err)
	}
	cfg, err := h.dev.Config(n)
	if err != nil {
		return nil, mapError(err)
	}
	h.cfg = cfg
	return cfg, nil
}

func (h *handle) ClaimInterface(num uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return usb.ENODEV
	}
	if _, ok := h.ifaces[num]; ok {
		return nil
	}
	cfg, err := h.configLocked()
	if err != nil {
		return err
	}
	intf, err := cfg.Interface(int(num), int(h.alts[num]))
	if err != nil {
		return mapError(err)
	}
	h.ifaces[num] = intf
	return nil
}

func (h *handle) ReleaseInterface(num uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	intf, ok := h.ifaces[num]
	if !ok {
		return usb.ENOENT
	}
	delete(h.ifaces, num)
	intf.Close()
	return nil
}

func (h *handle) SetConfiguration(value uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return usb.ENODEV
	}
	for num, intf := range h.ifaces {
		intf.Close()
		delete(h.ifaces, num)
	}
	if h.cfg != nil {
		if h.cfg.Desc.Number == int(value) {
			return nil
		}
		if err := h.cfg.Close(); err != nil {
			return mapError(err)
		}
		h.cfg = nil
	}
	cfg, err := h.dev.Config(int(value))
	if err != nil {
		return mapError(err)
	}
	h.cfg = cfg
	clear(h.alts)
	return nil
}

// SetInterface selects alt for num. libusb only selects alternate settings on
// claimed interfaces, so an unclaimed interface is claimed for the duration.
func (h *handle) SetInterface(num, alt uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return usb.ENODEV
	}
	cfg, err := h.configLocked()
	if err != nil {
		return err
	}
	prev, claimed := h.ifaces[num]
	if claimed {
		prev.Close()
		delete(h.ifaces, num)
	}
	intf, err := cfg.Interface(int(num), int(alt))
	if err != nil {
		return mapError(err)
	}
	h.alts[num] = alt
	if claimed {
		h.ifaces[num] = intf
	} else {
		intf.Close()
	}
	return nil
}

func (h *handle) Control(setup usb.ControlSetup, data []byte, timeout time.Duration) (int, error) {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	h.dev.ControlTimeout = timeout
	n, err := h.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	return n, mapError(err)
}

func (h *handle) Submit(t *usb.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return usb.ENODEV
	}
	if _, dup := h.inflight[t.Seq]; dup {
		return usb.EINVAL
	}

	var (
		run  func(ctx context.Context) (int, error)
		lane uint8
	)
	if t.Kind == usb.KindControl {
		if len(t.Buffer) < usb.SetupPacketSize {
			return usb.EINVAL
		}
		var raw [usb.SetupPacketSize]byte
		copy(raw[:], t.Buffer)
		setup := usb.ParseSetup(raw)
		// gousb's Device.Control takes no context. Once started, an unlinked
		// control transfer keeps ctrlMu until libusb returns or its timeout
		// fires, and every later control transfer waits behind it.
		run = func(context.Context) (int, error) {
			return h.Control(setup, t.Data(), t.Timeout)
		}
	} else {
		xfer, err := h.endpointLocked(t.Endpoint)
		if err != nil {
			return err
		}
		run = func(ctx context.Context) (int, error) { return xfer(ctx, t.Buffer) }
		lane = t.Endpoint
	}

	h.enqueueLocked(lane, t, run)
	return nil
}

// enqueueLocked queues t behind the earlier transfers of lane.
func (h *handle) enqueueLocked(lane uint8, t *usb.Transfer, run func(context.Context) (int, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	h.inflight[t.Seq] = cancel
	h.wg.Add(1)
	h.lanes.Push(lane, func() { h.run(ctx, t, run) })
}

type xferFunc func(ctx context.Context, buf []byte) (int, error)

// endpointLocked finds addr on a claimed interface.
func (h *handle) endpointLocked(addr uint8) (xferFunc, error) {
	for _, intf := range h.ifaces {
		if _, ok := intf.Setting.Endpoints[gousb.EndpointAddress(addr)]; !ok {
			continue
		}
		num := int(addr & 0x0F)
		if addr&0x80 != 0 {
			ep, err := intf.InEndpoint(num)
			if err != nil {
				return nil, mapError(err)
			}
			return ep.ReadContext, nil
		}
		ep, err := intf.OutEndpoint(num)
		if err != nil {
			return nil, mapError(err)
		}
		return ep.WriteContext, nil
	}
	return nil, fmt.Errorf("endpoint 0x%02x: %w", addr, usb.ENOENT)
}

// run performs t on its endpoint lane. A transfer cancelled while queued
// completes without touching the device; the timeout counts from the start.
func (h *handle) run(ctx context.Context, t *usb.Transfer, fn func(context.Context) (int, error)) {
	defer h.wg.Done()
	if t.Timeout > 0 && t.Kind != usb.KindControl {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, t.Timeout)
		defer stop()
	}
	var n int
	err := ctx.Err()
	if err == nil {
		n, err = fn(ctx)
	}
	unlinked := ctx.Err() != nil

	h.mu.Lock()
	cancel := h.inflight[t.Seq]
	delete(h.inflight, t.Seq)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	status := usb.StatusOf(mapError(err))
	if err == nil && unlinked && t.Kind == usb.KindControl {
		// the control stage finished but the transfer was unlinked meanwhile
		status = usb.ECONNRESET.Status()
	}
	c := usb.Completion{
		Device:       h.id,
		Seq:          t.Seq,
		Status:       status,
		ActualLength: max(n, 0),
		Kind:         t.Kind,
	}
	if t.Kind == usb.KindIsochronous {
		c.IsoPackets = isoResults(t.IsoPackets, n, 0)
	}
	if err != nil {
		h.logger.Debug("Transfer failed", "seq", t.Seq, "endpoint", fmt.Sprintf("0x%02x", t.Endpoint), "error", err)
	}
	h.onComplete(c)
}

func (h *handle) Cancel(seq uint32) error {
	h.mu.Lock()
	cancel, ok := h.inflight[seq]
	h.mu.Unlock()
	if !ok {
		return usb.ENOENT
	}
	cancel()
	return nil
}

// Drain cancels every queued and running transfer and waits for their
// completions. Later submits fail with ENODEV.
func (h *handle) Drain() error {
	h.mu.Lock()
	h.closed = true
	for _, cancel := range h.inflight {
		cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// Close drains the handle and releases the device.
func (h *handle) Close() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	_ = h.Drain()
	h.lanes.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	for num, intf := range h.ifaces {
		intf.Close()
		delete(h.ifaces, num)
	}
	var cfgErr error
	if h.cfg != nil {
		cfgErr = h.cfg.Close()
		h.cfg = nil
	}
	if err := h.dev.Close(); err != nil {
		return fmt.Errorf("close %s: %w", h.id.BusID(), err)
	}
	if cfgErr != nil {
		return fmt.Errorf("close %s config: %w", h.id.BusID(), cfgErr)
	}
	return nil
}
