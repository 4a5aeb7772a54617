package usb

import (
	"log/slog"
	"time"

	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

// submit routes a CMD_SUBMIT and queues it for admission behind earlier URBs
// of the same endpoint. The pending entry exists before admission so an
// UNLINK can always find it.
func (s *Session) submit(cmd *usbip.CmdSubmit) {
	seq := cmd.Basic.Seqnum
	dir := usb.Direction(cmd.Basic.Dir & 1)
	num := uint8(cmd.Basic.Ep & 0x0F)

	p := &pendingTransfer{cmd: cmd, kind: usb.KindControl, dir: dir, addr: usb.EndpointAddress(0, dir), units: MaxConcurrentTransfers}
	if num != 0 {
		ep, ok := s.endpoint(dir, num)
		if !ok {
			s.logger.Debug("Endpoint not found", "seq", seq, "ep", num, "dir", dir)
			s.enqueue(statusReply(cmd, usb.KindBulk, usbip.StatusNA), nil)
			s.srv.metrics.TransferResolved("unknown", usbip.StatusNA, dir.String(), 0, false)
			return
		}
		p.kind = ep.Kind()
		p.addr = ep.BEndpointAddress
		p.units = 1
	}

	if s.logger.Enabled(s.ctx, slog.LevelDebug) {
		attrs := []any{"seq", seq, "kind", p.kind, "ep", num, "dir", dir, "len", cmd.TransferBufferLen, "flags", usbip.FlagString(cmd.TransferFlags)}
		if p.kind == usb.KindControl {
			attrs = append(attrs, "setup", usb.ParseSetup(cmd.Setup).String())
		}
		if p.kind == usb.KindIsochronous {
			attrs = append(attrs, "packets", len(cmd.IsoPackets))
		}
		s.logger.Debug("USBIP_CMD_SUBMIT", attrs...)
	}

	s.mu.Lock()
	if _, dup := s.pending[seq]; dup {
		s.mu.Unlock()
		s.logger.Warn("Duplicate seqnum", "seq", seq)
		s.enqueue(statusReply(cmd, p.kind, usb.EINVAL.Status()), nil)
		s.srv.metrics.TransferResolved(p.kind.String(), usb.EINVAL.Status(), dir.String(), 0, false)
		return
	}
	s.pending[seq] = p
	s.mu.Unlock()
	s.srv.metrics.TransferPending()

	if !s.admission.Push(admissionLane(p), func() { s.admit(p) }) {
		s.take(seq, p)
	}
}

// admissionLane keys the per-endpoint admission order. Both directions of
// endpoint 0 share one lane.
func admissionLane(p *pendingTransfer) uint8 {
	if p.kind == usb.KindControl {
		return 0
	}
	return p.addr
}

// admit waits for limiter capacity, then submits the transfer or handles it
// internally. It runs on the endpoint's admission lane, so transfers of one
// endpoint reach the transport in wire order. It gives up silently when the
// entry was unlinked or the session closed in the meantime.
func (s *Session) admit(p *pendingTransfer) {
	seq := p.cmd.Basic.Seqnum
	if !s.isPending(seq, p) {
		return
	}
	if err := s.limiter.Acquire(s.ctx, p.units); err != nil {
		return
	}

	size := int(p.cmd.TransferBufferLen)
	if p.kind == usb.KindControl {
		size += usb.SetupPacketSize
	}
	buf := s.pool.get(size)
	data := buf
	if p.kind == usb.KindControl {
		copy(buf, p.cmd.Setup[:])
		data = buf[usb.SetupPacketSize:]
	}
	if p.dir == usb.DirOut {
		copy(data, p.cmd.Data)
	}

	s.mu.Lock()
	if s.pending[seq] != p {
		s.mu.Unlock()
		s.limiter.Release(p.units)
		s.pool.put(buf)
		return
	}
	p.admitted = true
	p.buf = buf
	s.mu.Unlock()

	if p.kind == usb.KindControl {
		setup := usb.ParseSetup(p.cmd.Setup)
		if setup.IsSetConfiguration() || setup.IsSetInterface() {
			status := s.handleInternalControl(setup)
			s.finish(p, status)
			return
		}
	}

	t := &usb.Transfer{
		Seq:      seq,
		Kind:     p.kind,
		Endpoint: p.addr,
		Dir:      p.dir,
		Flags:    p.cmd.TransferFlags,
		Buffer:   buf,
		Interval: p.cmd.Interval,
		Timeout:  s.timeout(p.kind),
	}
	if p.kind == usb.KindIsochronous {
		t.IsoPackets = make([]usb.IsoPacket, len(p.cmd.IsoPackets))
		for i, d := range p.cmd.IsoPackets {
			t.IsoPackets[i] = usb.IsoPacket{Offset: d.Offset, Length: d.Length}
		}
	}

	if err := s.handle.Submit(t); err != nil {
		s.logger.Debug("Submit failed", "seq", seq, "error", err)
		s.finish(p, usb.StatusOf(err))
		go s.probeVanished()
		return
	}

	// Unlinked between admission and submission: the cancel raced ahead of
	// the native transfer, so repeat it.
	if !s.isPending(seq, p) {
		_ = s.handle.Cancel(seq)
	}
}

// finish replies to a transfer that never reached the transport.
func (s *Session) finish(p *pendingTransfer, status int32) {
	if !s.take(p.cmd.Basic.Seqnum, p) {
		// Unlink or teardown owns the outcome and may not have returned the buffer.
		s.pool.put(p.buf)
		return
	}
	s.limiter.Release(p.units)
	s.pool.put(p.buf)
	s.enqueue(statusReply(p.cmd, p.kind, status), nil)
	s.srv.metrics.TransferResolved(p.kind.String(), status, p.dir.String(), 0, true)
}

func (s *Session) timeout(kind usb.TransferKind) time.Duration {
	if kind == usb.KindControl {
		return s.srv.config.ControlTimeout
	}
	return s.srv.config.TransferTimeout
}

func retBasic(cmd *usbip.CmdSubmit) usbip.HeaderBasic {
	return usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: cmd.Basic.Seqnum}
}

// statusReply builds a RET_SUBMIT without data. Isochronous requests get their
// packet descriptors back, each carrying status.
func statusReply(cmd *usbip.CmdSubmit, kind usb.TransferKind, status int32) *usbip.RetSubmit {
	ret := &usbip.RetSubmit{
		Basic:           retBasic(cmd),
		Status:          status,
		NumberOfPackets: usbip.NoIsoPackets,
	}
	if kind == usb.KindIsochronous || len(cmd.IsoPackets) > 0 {
		ret.NumberOfPackets = uint32(len(cmd.IsoPackets))
		ret.StartFrame = cmd.StartFrame
		ret.IsoPackets = make([]usbip.IsoPacketDescriptor, len(cmd.IsoPackets))
		for i, d := range cmd.IsoPackets {
			ret.IsoPackets[i] = usbip.IsoPacketDescriptor{Offset: d.Offset, Length: d.Length, Status: status}
		}
		if status != 0 {
			ret.ErrorCount = uint32(len(cmd.IsoPackets))
		}
	}
	return ret
}
