package proxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

// maxBuffered bounds the bytes held for a single undecoded packet.
const maxBuffered = usbip.MaxTransferBufferLen + 64*1024

var errBadVersion = errors.New("unexpected usbip version")

// stream is the decode state of one direction of a connection.
type stream struct {
	buf  bytes.Buffer
	urb  bool
	dead bool
	// need is the buffered length required before decoding is retried.
	need int
}

// Parser decodes both directions of one proxied USB-IP connection for
// structured logging. Replies are matched to their requests by seqnum so that
// IN payloads can be skipped.
type Parser struct {
	logger *slog.Logger

	mu      sync.Mutex
	client  stream
	server  stream
	pending map[uint32]uint32
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger:  logger,
		pending: make(map[uint32]uint32),
	}
}

// Parse feeds data seen in one direction. It never fails; data that cannot be
// decoded is logged once and the direction is ignored from then on.
func (p *Parser) Parse(data []byte, clientToServer bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.server
	if clientToServer {
		s = &p.client
	}
	if s.dead {
		return
	}
	s.buf.Write(data)

	for s.buf.Len() > 0 && s.buf.Len() >= s.need {
		r := bytes.NewReader(s.buf.Bytes())
		var err error
		if s.urb {
			err = p.decodeURB(r, s, clientToServer)
		} else {
			err = p.decodeMgmt(r, s, clientToServer)
		}
		if needMore(err) {
			if s.buf.Len() > maxBuffered {
				p.logger.Warn("Parser buffer overflow, parsing stopped", "dir", dirString(clientToServer), "buffered", s.buf.Len())
				s.stop()
			}
			return
		}
		if err != nil {
			p.logger.Warn("Undecodable USB-IP data, parsing stopped", "dir", dirString(clientToServer), "error", err)
			s.stop()
			return
		}
		s.buf.Next(int(r.Size()) - r.Len())
		s.need = 0
	}
}

func (s *stream) stop() {
	s.dead = true
	s.buf.Reset()
}

// needMore reports whether err only means the packet is not fully buffered yet.
func needMore(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func (p *Parser) decodeMgmt(r *bytes.Reader, s *stream, clientToServer bool) error {
	hdr, err := usbip.ReadMgmtHeader(r)
	if err != nil {
		return err
	}
	if hdr.Version != usbip.Version {
		return fmt.Errorf("%w 0x%04x", errBadVersion, hdr.Version)
	}
	dir := dirString(clientToServer)

	switch hdr.Command {
	case usbip.OpReqDevlist:
		p.logger.Info("USBIP packet", "dir", dir, "op", "OP_REQ_DEVLIST")

	case usbip.OpReqImport:
		req, err := usbip.ReadImportRequest(r)
		if err != nil {
			return err
		}
		p.logger.Info("USBIP packet", "dir", dir, "op", "OP_REQ_IMPORT", "busid", req.BusID)
		s.urb = true

	case usbip.OpRepDevlist:
		list, err := usbip.ReadDevListReply(r)
		if err != nil {
			return err
		}
		p.logger.Info("USBIP packet", "dir", dir, "op", "OP_REP_DEVLIST", "status", hdr.Status, "devices", len(list.Devices))
		for _, d := range list.Devices {
			p.logger.Info("  Device", deviceAttrs(d)...)
			for i, ifc := range d.Interfaces {
				p.logger.Info("    Interface",
					"num", i,
					"class", fmt.Sprintf("%02x", ifc.Class),
					"subclass", fmt.Sprintf("%02x", ifc.SubClass),
					"protocol", fmt.Sprintf("%02x", ifc.Protocol))
			}
		}

	case usbip.OpRepImport:
		if hdr.Status != usbip.StatusOK {
			p.logger.Info("USBIP packet", "dir", dir, "op", "OP_REP_IMPORT", "status", hdr.Status)
			return nil
		}
		d, err := usbip.ReadExportedDevice(r, false)
		if err != nil {
			return err
		}
		attrs := append([]any{"dir", dir, "op", "OP_REP_IMPORT", "status", hdr.Status}, deviceAttrs(d)...)
		p.logger.Info("USBIP packet", attrs...)
		s.urb = true

	default:
		return fmt.Errorf("%w: 0x%04x", usbip.ErrUnknownOpcode, hdr.Command)
	}
	return nil
}

func (p *Parser) decodeURB(r *bytes.Reader, s *stream, clientToServer bool) error {
	s.need = p.urbLen(s.buf.Bytes())
	if s.buf.Len() < s.need {
		return io.ErrUnexpectedEOF
	}
	if clientToServer {
		pkt, err := usbip.ReadCommand(r)
		if err != nil {
			return err
		}
		switch c := pkt.(type) {
		case *usbip.CmdSubmit:
			p.pending[c.Basic.Seqnum] = c.Basic.Dir
			p.logCmdSubmit(c)
		case *usbip.CmdUnlink:
			p.logger.Info("USBIP packet",
				"dir", dirString(true),
				"op", "CMD_UNLINK",
				"seq", c.Basic.Seqnum,
				"unlink_seq", c.UnlinkSeqnum)
		}
		return nil
	}

	pkt, err := usbip.ReadReply(r, p.dirOf)
	if err != nil {
		return err
	}
	switch ret := pkt.(type) {
	case *usbip.RetSubmit:
		delete(p.pending, ret.Basic.Seqnum)
		args := []any{
			"dir", dirString(false),
			"op", "RET_SUBMIT",
			"seq", ret.Basic.Seqnum,
			"status", ret.Status,
			"actual_len", ret.ActualLength,
		}
		if ret.NumberOfPackets != usbip.NoIsoPackets && ret.NumberOfPackets > 0 {
			args = append(args, "packets", ret.NumberOfPackets, "errors", ret.ErrorCount)
		}
		p.logger.Info("USBIP packet", args...)
	case *usbip.RetUnlink:
		p.logger.Info("USBIP packet",
			"dir", dirString(false),
			"op", "RET_UNLINK",
			"seq", ret.Basic.Seqnum,
			"status", ret.Status)
	}
	return nil
}

// dirOf resolves the direction of a pending CMD_SUBMIT. Unknown seqnums are
// treated as OUT so that no payload is expected.
func (p *Parser) dirOf(seq uint32) uint32 {
	if dir, ok := p.pending[seq]; ok {
		return dir
	}
	return usbip.DirOut
}

// urbLen is the buffered length needed before a URB packet is complete, as
// far as its header tells. It returns the header length while the header
// itself is incomplete or the lengths are out of range.
func (p *Parser) urbLen(b []byte) int {
	n := usbip.URBHeaderLen
	if len(b) < n {
		return n
	}
	var withData bool
	switch binary.BigEndian.Uint32(b[0:4]) {
	case usbip.CmdSubmitCode:
		withData = binary.BigEndian.Uint32(b[12:16]) == usbip.DirOut
	case usbip.RetSubmitCode:
		withData = p.dirOf(binary.BigEndian.Uint32(b[4:8])) == usbip.DirIn
	default:
		return n
	}
	l := binary.BigEndian.Uint32(b[24:28])
	pkts := binary.BigEndian.Uint32(b[32:36])
	if l > usbip.MaxTransferBufferLen {
		return n
	}
	if withData {
		n += int(l)
	}
	if pkts != usbip.NoIsoPackets && pkts <= usbip.MaxIsoPackets {
		n += int(pkts) * usbip.IsoDescriptorLen
	}
	return n
}

func (p *Parser) logCmdSubmit(c *usbip.CmdSubmit) {
	args := []any{
		"dir", dirString(true),
		"op", "CMD_SUBMIT",
		"seq", c.Basic.Seqnum,
		"devid", c.Basic.Devid,
		"ep", c.Basic.Ep,
		"urb_dir", urbDirString(c.Basic.Dir),
		"len", c.TransferBufferLen,
		"flags", usbip.FlagString(c.TransferFlags),
	}
	if c.Basic.Ep == 0 {
		args = append(args, "setup", usb.ParseSetup(c.Setup).String())
	}
	if c.NumberOfPackets != usbip.NoIsoPackets && c.NumberOfPackets > 0 {
		args = append(args, "packets", c.NumberOfPackets, "interval", c.Interval)
	}
	p.logger.Info("USBIP packet", args...)
}

func deviceAttrs(d usbip.ExportedDevice) []any {
	return []any{
		"path", d.Path,
		"busid", d.BusID,
		"bus", d.BusNum,
		"dev", d.DevNum,
		"speed", usb.Speed(d.Speed).String(),
		"vid", fmt.Sprintf("%04x", d.IDVendor),
		"pid", fmt.Sprintf("%04x", d.IDProduct),
		"bcd", fmt.Sprintf("%04x", d.BcdDevice),
		"class", fmt.Sprintf("%02x", d.BDeviceClass),
		"subclass", fmt.Sprintf("%02x", d.BDeviceSubClass),
		"protocol", fmt.Sprintf("%02x", d.BDeviceProtocol),
		"config", d.BConfigurationValue,
		"nConfigs", d.BNumConfigurations,
		"nInterfaces", d.BNumInterfaces,
	}
}

func dirString(clientToServer bool) string {
	if clientToServer {
		return "C->S"
	}
	return "S->C"
}

func urbDirString(dir uint32) string {
	if dir == usbip.DirOut {
		return "OUT"
	}
	return "IN"
}
