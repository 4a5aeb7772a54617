package testing

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

type TestUsbIpClient struct {
	address string
	seq     uint32
}

// Attachment is an imported device with its URB connection.
type Attachment struct {
	Conn     net.Conn
	Exported usbip.ExportedDevice
	client   *TestUsbIpClient

	mu   sync.Mutex
	dirs map[uint32]uint32
}

func NewUsbIpClient(t testing.TB, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{
		address: addr,
		seq:     1,
	}
}

func (c *TestUsbIpClient) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1) - 1
}

// ListDevices runs OP_REQ_DEVLIST and returns the reply status and devices.
func (c *TestUsbIpClient) ListDevices() (uint32, []usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return 0, nil, err
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return 0, nil, err
	}
	if hdr.Version != usbip.Version {
		return 0, nil, fmt.Errorf("unexpected usbip version %x", hdr.Version)
	}
	if hdr.Command != usbip.OpRepDevlist {
		return 0, nil, fmt.Errorf("unexpected reply command %x", hdr.Command)
	}
	list, err := usbip.ReadDevListReply(conn)
	if err != nil {
		return 0, nil, err
	}
	return hdr.Status, list.Devices, nil
}

// AttachDevice runs OP_REQ_IMPORT. A refused import returns the NA status
// and a nil attachment.
func (c *TestUsbIpClient) AttachDevice(busID string) (uint32, *Attachment, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return 0, nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return 0, nil, err
	}
	if err := (&usbip.ImportRequest{BusID: busID}).Write(conn); err != nil {
		conn.Close()
		return 0, nil, err
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		conn.Close()
		return 0, nil, err
	}
	if hdr.Command != usbip.OpRepImport {
		conn.Close()
		return 0, nil, fmt.Errorf("unexpected reply command %x", hdr.Command)
	}
	if hdr.Status != usbip.StatusOK {
		conn.Close()
		return hdr.Status, nil, nil
	}
	dev, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return 0, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return hdr.Status, &Attachment{Conn: conn, Exported: dev, client: c, dirs: make(map[uint32]uint32)}, nil
}

func (a *Attachment) Close() error { return a.Conn.Close() }

func (a *Attachment) devid() uint32 {
	return a.Exported.BusNum<<16 | a.Exported.DevNum
}

// Send writes cmd as is and remembers its direction for ReadReply.
func (a *Attachment) Send(cmd *usbip.CmdSubmit) error {
	a.mu.Lock()
	a.dirs[cmd.Basic.Seqnum] = cmd.Basic.Dir
	a.mu.Unlock()
	return cmd.Write(a.Conn)
}

// Submit sends a bulk or interrupt URB on endpoint ep and returns its seqnum.
// length is the IN buffer size; OUT transfers send data.
func (a *Attachment) Submit(dir uint32, ep uint32, length uint32, data []byte) (uint32, error) {
	seq := a.client.nextSeq()
	if dir == usbip.DirOut {
		length = uint32(len(data))
	}
	cmd := &usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: a.devid(), Dir: dir, Ep: ep},
		TransferBufferLen: length,
		Data:              data,
	}
	return seq, a.Send(cmd)
}

// Control sends a control URB on endpoint 0.
func (a *Attachment) Control(setup usb.ControlSetup, data []byte) (uint32, error) {
	seq := a.client.nextSeq()
	dir := uint32(usbip.DirOut)
	length := uint32(len(data))
	if setup.Direction() == usb.DirIn {
		dir = usbip.DirIn
		length = uint32(setup.Length)
		data = nil
	}
	cmd := &usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: a.devid(), Dir: dir, Ep: 0},
		TransferBufferLen: length,
		Setup:             setup.Bytes(),
		Data:              data,
	}
	return seq, a.Send(cmd)
}

// SetConfiguration sends SET_CONFIGURATION(value).
func (a *Attachment) SetConfiguration(value uint8) (uint32, error) {
	return a.Control(usb.ControlSetup{Request: usb.ReqSetConfiguration, Value: uint16(value)}, nil)
}

// SetInterface sends SET_INTERFACE(num, alt).
func (a *Attachment) SetInterface(num, alt uint8) (uint32, error) {
	return a.Control(usb.ControlSetup{RequestType: usb.RecipientInterface, Request: usb.ReqSetInterface, Value: uint16(alt), Index: uint16(num)}, nil)
}

// SubmitIso sends an isochronous URB with one descriptor per packet length.
func (a *Attachment) SubmitIso(dir uint32, ep uint32, lengths []uint32, data []byte) (uint32, error) {
	seq := a.client.nextSeq()
	var total uint32
	packets := make([]usbip.IsoPacketDescriptor, len(lengths))
	for i, l := range lengths {
		packets[i] = usbip.IsoPacketDescriptor{Offset: total, Length: l}
		total += l
	}
	if dir == usbip.DirIn {
		data = nil
	}
	cmd := &usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: a.devid(), Dir: dir, Ep: ep},
		TransferFlags:     usbip.URBIsoASAP,
		TransferBufferLen: total,
		NumberOfPackets:   uint32(len(lengths)),
		Interval:          1,
		Data:              data,
		IsoPackets:        packets,
	}
	return seq, a.Send(cmd)
}

// Unlink sends CMD_UNLINK for target and returns the unlink's own seqnum.
func (a *Attachment) Unlink(target uint32) (uint32, error) {
	seq := a.client.nextSeq()
	cmd := &usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: seq, Devid: a.devid()},
		UnlinkSeqnum: target,
	}
	return seq, cmd.Write(a.Conn)
}

// ReadReply reads one *usbip.RetSubmit or *usbip.RetUnlink.
func (a *Attachment) ReadReply(timeout time.Duration) (any, error) {
	_ = a.Conn.SetReadDeadline(time.Now().Add(timeout))
	defer a.Conn.SetReadDeadline(time.Time{})
	return usbip.ReadReply(a.Conn, func(seq uint32) uint32 {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.dirs[seq]
	})
}

// ReadSubmit reads the next reply and requires it to be a RET_SUBMIT.
func (a *Attachment) ReadSubmit(timeout time.Duration) (*usbip.RetSubmit, error) {
	r, err := a.ReadReply(timeout)
	if err != nil {
		return nil, err
	}
	ret, ok := r.(*usbip.RetSubmit)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T", r)
	}
	return ret, nil
}
