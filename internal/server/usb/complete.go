package usb

import (
	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

// complete correlates a transport completion with its session. Completions
// without a device id are matched by scanning every session.
func (s *Server) complete(c usb.Completion) {
	if c.Device != 0 {
		if sess, ok := s.sessions.Get(c.Device); ok && sess.complete(c) {
			return
		}
	} else {
		for _, sess := range s.sessions.Values() {
			if sess.complete(c) {
				return
			}
		}
	}
	s.logger.Debug("Orphan completion", "seq", c.Seq, "device", c.Device, "status", c.Status)
}

// complete resolves the pending entry for c.Seq. It returns false if the
// entry was already removed by an unlink or teardown.
func (s *Session) complete(c usb.Completion) bool {
	s.mu.Lock()
	p, ok := s.pending[c.Seq]
	if !ok || !p.admitted {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, c.Seq)
	buf := p.buf
	s.mu.Unlock()
	s.limiter.Release(p.units)

	data := buf
	if p.kind == usb.KindControl {
		data = buf[usb.SetupPacketSize:]
	}

	ret := &usbip.RetSubmit{
		Basic:           retBasic(p.cmd),
		Status:          c.Status,
		NumberOfPackets: usbip.NoIsoPackets,
	}
	release := func() { s.pool.put(buf) }

	if p.kind == usb.KindIsochronous {
		var packed []byte
		ret.NumberOfPackets = uint32(len(p.cmd.IsoPackets))
		ret.StartFrame = p.cmd.StartFrame
		ret.IsoPackets = make([]usbip.IsoPacketDescriptor, len(p.cmd.IsoPackets))
		for i, req := range p.cmd.IsoPackets {
			d := usbip.IsoPacketDescriptor{Offset: req.Offset, Length: req.Length}
			if i < len(c.IsoPackets) {
				d.ActualLength = min(c.IsoPackets[i].ActualLength, req.Length)
				d.Status = c.IsoPackets[i].Status
			} else {
				d.Status = c.Status
			}
			if d.Status != 0 {
				ret.ErrorCount++
			}
			if p.dir == usb.DirIn {
				end := min(uint64(req.Offset)+uint64(d.ActualLength), uint64(len(data)))
				if uint64(req.Offset) < end {
					packed = append(packed, data[req.Offset:end]...)
				}
			} else {
				ret.ActualLength += d.ActualLength
			}
			ret.IsoPackets[i] = d
		}
		if p.dir == usb.DirIn {
			ret.Data = packed
			ret.ActualLength = uint32(len(packed))
		}
		s.pool.put(buf)
		release = nil
	} else {
		n := min(max(c.ActualLength, 0), len(data))
		ret.ActualLength = uint32(n)
		if p.dir == usb.DirIn && n > 0 {
			ret.Data = data[:n]
		} else {
			s.pool.put(buf)
			release = nil
		}
	}

	s.logger.Debug("USBIP_RET_SUBMIT", "seq", c.Seq, "status", c.Status, "actual", ret.ActualLength)
	s.enqueue(ret, release)
	s.srv.metrics.TransferResolved(p.kind.String(), c.Status, p.dir.String(), int(ret.ActualLength), true)

	if c.Status != 0 && c.Status != usb.ECONNRESET.Status() {
		go s.probeVanished()
	}
	return true
}
