package usb

import (
	"github.com/Alia5/usbipd/usbip"
)

// unlink cancels a pending transfer. Removing the pending entry is the single
// arbitration point with completion: whoever removes it owns the reply.
func (s *Session) unlink(cmd *usbip.CmdUnlink) {
	target := cmd.UnlinkSeqnum

	s.mu.Lock()
	p, ok := s.pending[target]
	admitted := false
	if ok {
		delete(s.pending, target)
		admitted = p.admitted
	}
	s.mu.Unlock()

	status := usbip.StatusSuccess
	if ok {
		status = usbip.StatusConnReset
		if admitted {
			if err := s.handle.Cancel(target); err != nil {
				s.logger.Debug("Cancel failed", "seq", target, "error", err)
			}
			s.limiter.Release(p.units)
			// p.buf stays out of the pool: the native transfer may still write to it.
		}
	}
	s.logger.Debug("USBIP_CMD_UNLINK", "seq", cmd.Basic.Seqnum, "unlink", target, "cancelled", ok)
	s.srv.metrics.TransferCancelled(ok)

	s.enqueue(&usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: cmd.Basic.Seqnum},
		Status: status,
	}, nil)
}
