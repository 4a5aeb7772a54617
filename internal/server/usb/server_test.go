package usb_test

import (
	"errors"
	"net"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	srvusb "github.com/Alia5/usbipd/internal/server/usb"
	th "github.com/Alia5/usbipd/internal/testing"
	client "github.com/Alia5/usbipd/testing"
	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

const replyTimeout = 2 * time.Second

var bulkID = usb.MakeDeviceID(1, 4)

type attached struct {
	att    *client.Attachment
	handle *th.FakeHandle
	host   *th.FakeHost
	srv    *srvusb.Server
}

func attach(t *testing.T, opts ...srvusb.Option) *attached {
	t.Helper()
	host := th.NewFakeHost(th.BulkDevice(1, 4), th.HubDevice(1, 1))
	addr, srv := th.StartUSBServer(t, host, srvusb.ServerConfig{}, opts...)
	status, att, err := client.NewUsbIpClient(t, addr).AttachDevice("1-4")
	require.NoError(t, err)
	require.Equal(t, uint32(usbip.StatusOK), status)
	t.Cleanup(func() { _ = att.Close() })
	return &attached{att: att, handle: host.Handle(bulkID), host: host, srv: srv}
}

func (a *attached) configure(t *testing.T, value uint8) {
	t.Helper()
	seq, err := a.att.SetConfiguration(value)
	require.NoError(t, err)
	ret, err := a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)
	require.Equal(t, seq, ret.Basic.Seqnum)
	require.Equal(t, int32(0), ret.Status)
}

func TestDevList(t *testing.T) {
	tests := []struct {
		name       string
		devices    []usb.DeviceInfo
		exclude    []string
		wantStatus uint32
		wantBusIDs []string
	}{
		{name: "no devices", wantStatus: usbip.StatusNA},
		{name: "hub only", devices: []usb.DeviceInfo{th.HubDevice(1, 1)}, wantStatus: usbip.StatusNA},
		{name: "excluded device", devices: []usb.DeviceInfo{th.BulkDevice(1, 4)}, exclude: []string{"1209:0001"}, wantStatus: usbip.StatusNA},
		{
			name:       "exportable device next to hub",
			devices:    []usb.DeviceInfo{th.HubDevice(1, 1), th.BulkDevice(1, 4), th.BulkDevice(2, 7)},
			wantStatus: usbip.StatusOK,
			wantBusIDs: []string{"1-4", "2-7"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _ := th.StartUSBServer(t, th.NewFakeHost(tt.devices...), srvusb.ServerConfig{Exclude: tt.exclude})
			status, devs, err := client.NewUsbIpClient(t, addr).ListDevices()
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			var ids []string
			for _, d := range devs {
				ids = append(ids, d.BusID)
			}
			assert.Equal(t, tt.wantBusIDs, ids)
		})
	}
}

func TestDevListRecord(t *testing.T) {
	addr, _ := th.StartUSBServer(t, th.NewFakeHost(th.BulkDevice(1, 4)), srvusb.ServerConfig{})
	_, devs, err := client.NewUsbIpClient(t, addr).ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)

	d := devs[0]
	assert.Equal(t, "/dev/bus/usb/001/004", d.Path)
	assert.Equal(t, uint32(1), d.BusNum)
	assert.Equal(t, uint32(4), d.DevNum)
	assert.Equal(t, uint32(usb.SpeedHigh), d.Speed)
	assert.Equal(t, uint16(0x1209), d.IDVendor)
	assert.Equal(t, uint16(0x0142), d.BcdDevice)
	assert.Equal(t, uint8(1), d.BConfigurationValue)
	assert.Equal(t, uint8(2), d.BNumConfigurations)
	assert.Equal(t, []usbip.InterfaceDesc{
		{Class: 0xFF},
		{Class: 0x03, SubClass: 0x01, Protocol: 0x02},
	}, d.Interfaces)
}

func TestImportRefused(t *testing.T) {
	tests := []struct {
		name    string
		busID   string
		openErr error
	}{
		{name: "unknown bus id", busID: "3-9"},
		{name: "malformed bus id", busID: "nonsense"},
		{name: "hub", busID: "1-1"},
		{name: "open fails", busID: "1-4", openErr: usb.EACCES},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := th.NewFakeHost(th.BulkDevice(1, 4), th.HubDevice(1, 1))
			host.OpenErr = tt.openErr
			addr, srv := th.StartUSBServer(t, host, srvusb.ServerConfig{})
			status, att, err := client.NewUsbIpClient(t, addr).AttachDevice(tt.busID)
			require.NoError(t, err)
			assert.Equal(t, uint32(usbip.StatusNA), status)
			assert.Nil(t, att)
			assert.Equal(t, 0, srv.AttachedDeviceCount())
		})
	}
}

func TestImport(t *testing.T) {
	events := th.NewRecordingEvents()
	a := attach(t, srvusb.WithEvents(events))

	assert.Equal(t, "1-4", a.att.Exported.BusID)
	assert.Equal(t, uint16(0x0142), a.att.Exported.BcdDevice)
	assert.Equal(t, uint8(2), a.att.Exported.BNumInterfaces)
	assert.Equal(t, 1, a.srv.AttachedDeviceCount())
	assert.True(t, a.handle.Called("claim 0"))
	assert.True(t, a.handle.Called("claim 1"))
	assert.Equal(t, 1, a.handle.Count("control "), "device descriptor is read through the handle")

	assert.Equal(t, "connected 1-4", events.Next(t))
	assert.Equal(t, "update 1", events.Next(t))

	// a second client cannot take the device
	status, att, err := client.NewUsbIpClient(t, a.att.Conn.RemoteAddr().String()).AttachDevice("1-4")
	require.NoError(t, err)
	assert.Equal(t, uint32(usbip.StatusNA), status)
	assert.Nil(t, att)
}

func TestDevicesStates(t *testing.T) {
	a := attach(t)
	a.host.SetDevices(th.BulkDevice(1, 4), th.HubDevice(1, 1), th.BulkDevice(2, 7))

	devs, err := a.srv.Devices()
	require.NoError(t, err)
	require.Len(t, devs, 3)
	states := map[string]srvusb.DeviceState{}
	for _, d := range devs {
		states[d.Info.ID.BusID()] = d.State
	}
	assert.Equal(t, map[string]srvusb.DeviceState{
		"1-1": srvusb.NotConnectable,
		"1-4": srvusb.Connected,
		"2-7": srvusb.Connectable,
	}, states)
}

func TestUnknownOpcodeClosesConnection(t *testing.T) {
	addr, _ := th.StartUSBServer(t, th.NewFakeHost(th.BulkDevice(1, 4)), srvusb.ServerConfig{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, (&usbip.MgmtHeader{Version: usbip.Version, Command: 0x8004}).Write(conn))
	_ = conn.SetReadDeadline(time.Now().Add(replyTimeout))
	var b [1]byte
	_, err = conn.Read(b[:])
	assert.Error(t, err)
}

func TestEndpointNotInCache(t *testing.T) {
	a := attach(t)

	seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	ret, err := a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, seq, ret.Basic.Seqnum)
	assert.Equal(t, int32(usbip.StatusNA), ret.Status)
	assert.Equal(t, uint32(0), ret.ActualLength)
	assert.Equal(t, 0, a.handle.Count("submit"))
}

func TestSetConfiguration(t *testing.T) {
	t.Run("endpoints follow the configuration", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		assert.True(t, a.handle.Called("setconfig 1"))

		seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
		require.NoError(t, err)
		tr := a.handle.NextSubmit(t)
		assert.Equal(t, seq, tr.Seq)
		assert.Equal(t, usb.KindBulk, tr.Kind)
		assert.Equal(t, uint8(th.BulkIn), tr.Endpoint)
		assert.Len(t, tr.Buffer, 64)

		a.handle.Complete(seq, 0, []byte{1, 2, 3})
		ret, err := a.att.ReadSubmit(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, int32(0), ret.Status)
		assert.Equal(t, uint32(3), ret.ActualLength)
		assert.Equal(t, []byte{1, 2, 3}, ret.Data)
		assert.Equal(t, uint32(usbip.NoIsoPackets), ret.NumberOfPackets)
		assert.Equal(t, uint32(0), ret.Basic.Devid)
		assert.Equal(t, uint32(0), ret.Basic.Dir)
		assert.Equal(t, uint32(0), ret.Basic.Ep)

		a.configure(t, 2)
		_, err = a.att.Submit(usbip.DirIn, 1, 64, nil)
		require.NoError(t, err)
		ret, err = a.att.ReadSubmit(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, int32(usbip.StatusNA), ret.Status)

		seq, err = a.att.Submit(usbip.DirIn, 5, 64, nil)
		require.NoError(t, err)
		assert.Equal(t, seq, a.handle.NextSubmit(t).Seq)
	})

	t.Run("same value is not reapplied", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		a.configure(t, 1)
		assert.Equal(t, 1, a.handle.Count("setconfig"))
		assert.Equal(t, 2, a.handle.Count("release 0"))
	})

	t.Run("unknown value is acknowledged", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 9)
		assert.Equal(t, 0, a.handle.Count("setconfig"))

		_, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
		require.NoError(t, err)
		ret, err := a.att.ReadSubmit(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, int32(usbip.StatusNA), ret.Status)
	})
}

func TestSetInterface(t *testing.T) {
	setInterface := func(t *testing.T, a *attached, num, alt uint8) int32 {
		t.Helper()
		_, err := a.att.SetInterface(num, alt)
		require.NoError(t, err)
		ret, err := a.att.ReadSubmit(replyTimeout)
		require.NoError(t, err)
		return ret.Status
	}

	t.Run("requires a configuration", func(t *testing.T) {
		a := attach(t)
		assert.Equal(t, usb.EPIPE.Status(), setInterface(t, a, 0, 1))
		assert.Equal(t, 0, a.handle.Count("setinterface"))
	})

	t.Run("alternate setting exposes its endpoints", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		assert.Equal(t, int32(0), setInterface(t, a, 0, 1))
		assert.True(t, a.handle.Called("setinterface 0 1"))

		seq, err := a.att.SubmitIso(usbip.DirIn, 3, []uint32{100}, nil)
		require.NoError(t, err)
		assert.Equal(t, seq, a.handle.NextSubmit(t).Seq)
	})

	t.Run("unknown alternate", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		assert.Equal(t, usb.EPIPE.Status(), setInterface(t, a, 0, 7))
	})

	t.Run("transport failure restores the claim", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		a.handle.SetInterfaceErr = errors.New("boom")
		claims := a.handle.Count("claim 0")
		assert.Equal(t, usb.EIO.Status(), setInterface(t, a, 0, 1))
		assert.Equal(t, claims+1, a.handle.Count("claim 0"))

		_, err := a.att.SubmitIso(usbip.DirIn, 3, []uint32{100}, nil)
		require.NoError(t, err)
		ret, err := a.att.ReadSubmit(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, int32(usbip.StatusNA), ret.Status)
	})
}

func TestBulkOut(t *testing.T) {
	a := attach(t)
	a.configure(t, 1)

	payload := []byte("hello device")
	seq, err := a.att.Submit(usbip.DirOut, 2, 0, payload)
	require.NoError(t, err)
	tr := a.handle.NextSubmit(t)
	assert.Equal(t, uint8(th.BulkOut), tr.Endpoint)
	assert.Equal(t, usb.DirOut, tr.Dir)
	assert.Equal(t, payload, tr.Buffer)

	a.handle.Complete(seq, 0, nil)
	ret, err := a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(payload)), ret.ActualLength)
	assert.Empty(t, ret.Data)
}

func TestControlTransfer(t *testing.T) {
	a := attach(t)
	setup := usb.ControlSetup{RequestType: usb.RequestDirIn, Request: usb.ReqGetDescriptor, Value: 0x0300, Length: 4}
	seq, err := a.att.Control(setup, nil)
	require.NoError(t, err)

	tr := a.handle.NextSubmit(t)
	assert.Equal(t, usb.KindControl, tr.Kind)
	assert.Equal(t, uint8(0x80), tr.Endpoint)
	b := setup.Bytes()
	assert.Equal(t, b[:], tr.Buffer[:usb.SetupPacketSize])
	assert.Len(t, tr.Data(), 4)

	a.handle.Complete(seq, 0, []byte{4, 3, 9, 4})
	ret, err := a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), ret.ActualLength)
	assert.Equal(t, []byte{4, 3, 9, 4}, ret.Data)
}

func TestSubmitFailure(t *testing.T) {
	a := attach(t)
	a.configure(t, 1)
	a.handle.SubmitErr = usb.EPIPE

	_, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	ret, err := a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, usb.EPIPE.Status(), ret.Status)

	// the device still enumerates, so the session survives
	a.handle.SubmitErr = nil
	seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	assert.Equal(t, seq, a.handle.NextSubmit(t).Seq)
	assert.Equal(t, 1, a.srv.AttachedDeviceCount())
}

func TestUnlink(t *testing.T) {
	t.Run("pending transfer", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
		require.NoError(t, err)
		a.handle.NextSubmit(t)

		useq, err := a.att.Unlink(seq)
		require.NoError(t, err)
		r, err := a.att.ReadReply(replyTimeout)
		require.NoError(t, err)
		ret, ok := r.(*usbip.RetUnlink)
		require.True(t, ok, "got %T", r)
		assert.Equal(t, useq, ret.Basic.Seqnum)
		assert.Equal(t, usbip.StatusConnReset, ret.Status)
		assert.True(t, a.handle.Called("cancel "+itoa(seq)))

		// the cancelled transfer's completion is an orphan
		_, err = a.att.ReadReply(200 * time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("already completed", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
		require.NoError(t, err)
		a.handle.NextSubmit(t)
		a.handle.Complete(seq, 0, []byte{7})

		ret, err := a.att.ReadSubmit(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, seq, ret.Basic.Seqnum)

		_, err = a.att.Unlink(seq)
		require.NoError(t, err)
		r, err := a.att.ReadReply(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, int32(0), r.(*usbip.RetUnlink).Status)
	})

	t.Run("unknown seqnum", func(t *testing.T) {
		a := attach(t)
		_, err := a.att.Unlink(12345)
		require.NoError(t, err)
		r, err := a.att.ReadReply(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, int32(0), r.(*usbip.RetUnlink).Status)
		assert.Equal(t, 0, a.handle.Count("cancel"))
	})

	t.Run("waiting for admission", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		blocker, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
		require.NoError(t, err)
		a.handle.NextSubmit(t)

		// the control transfer waits behind the bulk transfer
		ctl, err := a.att.Control(usb.ControlSetup{RequestType: usb.RequestDirIn, Request: usb.ReqGetStatus, Length: 2}, nil)
		require.NoError(t, err)
		a.handle.NoSubmit(t, 100*time.Millisecond)

		_, err = a.att.Unlink(ctl)
		require.NoError(t, err)
		r, err := a.att.ReadReply(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, usbip.StatusConnReset, r.(*usbip.RetUnlink).Status)

		a.handle.Complete(blocker, 0, []byte{1})
		ret, err := a.att.ReadSubmit(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, blocker, ret.Basic.Seqnum)
		a.handle.NoSubmit(t, 100*time.Millisecond)
	})

	t.Run("queued behind same endpoint", func(t *testing.T) {
		a := attach(t)
		a.configure(t, 1)
		var first uint32
		for i := range srvusb.MaxConcurrentTransfers {
			seq, err := a.att.Submit(usbip.DirIn, 1, 8, nil)
			require.NoError(t, err)
			if i == 0 {
				first = seq
			}
		}
		for range srvusb.MaxConcurrentTransfers {
			a.handle.NextSubmit(t)
		}
		queued, err := a.att.Submit(usbip.DirIn, 1, 8, nil)
		require.NoError(t, err)
		next, err := a.att.Submit(usbip.DirIn, 1, 8, nil)
		require.NoError(t, err)
		a.handle.NoSubmit(t, 100*time.Millisecond)

		_, err = a.att.Unlink(queued)
		require.NoError(t, err)
		r, err := a.att.ReadReply(replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, usbip.StatusConnReset, r.(*usbip.RetUnlink).Status)

		a.handle.Complete(first, 0, nil)
		assert.Equal(t, next, a.handle.NextSubmit(t).Seq, "the unlinked transfer is skipped, not submitted")
	})
}

func TestUnlinkRace(t *testing.T) {
	// Whichever of completion and unlink removes the entry owns the reply:
	// exactly one RET_SUBMIT or one cancelling RET_UNLINK per seqnum.
	a := attach(t)
	a.configure(t, 1)

	const n = 40
	seqs := make([]uint32, n)
	for i := range seqs {
		seq, err := a.att.Submit(usbip.DirIn, 1, 8, nil)
		require.NoError(t, err)
		seqs[i] = seq
		a.handle.NextSubmit(t)
	}
	for _, seq := range seqs {
		go a.handle.Complete(seq, 0, []byte{1})
		_, err := a.att.Unlink(seq)
		require.NoError(t, err)
	}

	// every seqnum gets one RET_UNLINK; completions that won also get a RET_SUBMIT
	submits := map[uint32]int{}
	cancels := map[uint32]int{}
	unlinks, misses, submitted := 0, 0, 0
	for unlinks < n || submitted < misses {
		r, err := a.att.ReadReply(replyTimeout)
		require.NoError(t, err)
		switch ret := r.(type) {
		case *usbip.RetSubmit:
			submits[ret.Basic.Seqnum]++
			submitted++
		case *usbip.RetUnlink:
			unlinks++
			if ret.Status == usbip.StatusConnReset {
				cancels[ret.Basic.Seqnum]++
			} else {
				misses++
			}
		}
	}
	_, err := a.att.ReadReply(200 * time.Millisecond)
	assert.Error(t, err, "no reply beyond one per seqnum")

	assert.Equal(t, n, len(submits)+len(cancels))
	assert.Equal(t, len(submits), misses)
	for seq, c := range submits {
		assert.Equal(t, 1, c, "seq %d", seq)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	a := attach(t)
	a.configure(t, 1)

	seqs := make([]uint32, srvusb.MaxConcurrentTransfers+1)
	for i := range seqs {
		seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
		require.NoError(t, err)
		seqs[i] = seq
	}
	admitted := map[uint32]bool{}
	for range srvusb.MaxConcurrentTransfers {
		admitted[a.handle.NextSubmit(t).Seq] = true
	}
	a.handle.NoSubmit(t, 150*time.Millisecond)
	assert.Equal(t, srvusb.MaxConcurrentTransfers, a.handle.InFlight())

	var first uint32
	for seq := range admitted {
		first = seq
		break
	}
	a.handle.Complete(first, 0, nil)
	tr := a.handle.NextSubmit(t)
	assert.False(t, admitted[tr.Seq], "the waiting transfer is admitted")
}

func TestSubmitOrderPerEndpoint(t *testing.T) {
	tests := []struct {
		name  string
		dirs  []uint32
		eps   []uint32
		count int
	}{
		{name: "bulk out", dirs: []uint32{usbip.DirOut}, eps: []uint32{2}, count: 40},
		{name: "bulk in", dirs: []uint32{usbip.DirIn}, eps: []uint32{1}, count: 40},
		{name: "interleaved endpoints", dirs: []uint32{usbip.DirOut, usbip.DirIn}, eps: []uint32{2, 1}, count: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := attach(t)
			a.configure(t, 1)

			want := map[uint8][]uint32{}
			for range tt.count {
				for i, ep := range tt.eps {
					addr, data := uint8(ep), []byte("payload!")
					if tt.dirs[i] == usbip.DirIn {
						addr, data = addr|0x80, nil
					}
					seq, err := a.att.Submit(tt.dirs[i], ep, 8, data)
					require.NoError(t, err)
					want[addr] = append(want[addr], seq)
				}
			}

			got := map[uint8][]uint32{}
			for range tt.count * len(tt.eps) {
				tr := a.handle.NextSubmit(t)
				got[tr.Endpoint] = append(got[tr.Endpoint], tr.Seq)
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestControlIsExclusive(t *testing.T) {
	a := attach(t)
	a.configure(t, 1)

	bulk, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	a.handle.NextSubmit(t)

	ctl, err := a.att.Control(usb.ControlSetup{RequestType: usb.RequestDirIn, Request: usb.ReqGetStatus, Length: 2}, nil)
	require.NoError(t, err)
	a.handle.NoSubmit(t, 100*time.Millisecond)

	later, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	a.handle.NoSubmit(t, 100*time.Millisecond)

	a.handle.Complete(bulk, 0, nil)
	assert.Equal(t, ctl, a.handle.NextSubmit(t).Seq)
	a.handle.NoSubmit(t, 100*time.Millisecond)

	a.handle.Complete(ctl, 0, []byte{0, 0})
	assert.Equal(t, later, a.handle.NextSubmit(t).Seq)
}

func TestIsochronousIn(t *testing.T) {
	a := attach(t)
	a.configure(t, 1)
	_, err := a.att.SetInterface(0, 1)
	require.NoError(t, err)
	_, err = a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)

	seq, err := a.att.SubmitIso(usbip.DirIn, 3, []uint32{8, 8, 8}, nil)
	require.NoError(t, err)
	tr := a.handle.NextSubmit(t)
	assert.Equal(t, usb.KindIsochronous, tr.Kind)
	assert.Equal(t, []usb.IsoPacket{{Offset: 0, Length: 8}, {Offset: 8, Length: 8}, {Offset: 16, Length: 8}}, tr.IsoPackets)

	a.handle.CompleteIso(seq,
		[]usb.IsoResult{{ActualLength: 2}, {ActualLength: 8}, {Status: -18}},
		[][]byte{{1, 2}, {3, 3, 3, 3, 3, 3, 3, 3}, nil})

	ret, err := a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), ret.NumberOfPackets)
	assert.Equal(t, uint32(10), ret.ActualLength)
	assert.Equal(t, uint32(1), ret.ErrorCount)
	assert.Equal(t, []byte{1, 2, 3, 3, 3, 3, 3, 3, 3, 3}, ret.Data)
	assert.Equal(t, []usbip.IsoPacketDescriptor{
		{Offset: 0, Length: 8, ActualLength: 2},
		{Offset: 8, Length: 8, ActualLength: 8},
		{Offset: 16, Length: 8, Status: -18},
	}, ret.IsoPackets)
}

func TestOrphanCompletion(t *testing.T) {
	a := attach(t)
	a.configure(t, 1)
	a.handle.CompleteRaw(usb.Completion{Device: bulkID, Seq: 999, Status: 0})
	a.handle.CompleteRaw(usb.Completion{Seq: 998, Status: 0})

	seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	a.handle.NextSubmit(t)
	a.handle.Complete(seq, 0, nil)
	ret, err := a.att.ReadSubmit(replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, seq, ret.Basic.Seqnum)
}

func TestDeviceVanished(t *testing.T) {
	events := th.NewRecordingEvents()
	a := attach(t, srvusb.WithEvents(events))
	events.Next(t)
	events.Next(t)
	a.configure(t, 1)

	seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	a.handle.NextSubmit(t)
	a.host.SetDevices(th.HubDevice(1, 1))
	a.handle.Complete(seq, usb.ENODEV.Status(), nil)

	assert.Eventually(t, func() bool { return a.srv.AttachedDeviceCount() == 0 }, replyTimeout, 10*time.Millisecond)
	assert.Eventually(t, a.handle.Closed, replyTimeout, 10*time.Millisecond)
	assert.Equal(t, "disconnected 1-4", events.Next(t))
	assert.Equal(t, "update 0", events.Next(t))
}

func TestTeardownOnDisconnect(t *testing.T) {
	a := attach(t)
	a.configure(t, 1)
	seq, err := a.att.Submit(usbip.DirIn, 1, 64, nil)
	require.NoError(t, err)
	a.handle.NextSubmit(t)

	require.NoError(t, a.att.Close())
	assert.Eventually(t, a.handle.Closed, replyTimeout, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return a.srv.AttachedDeviceCount() == 0 }, replyTimeout, 10*time.Millisecond)

	// in-flight transfers are gone before their interfaces are released
	calls := a.handle.Calls()
	drained := slices.Index(calls, "drain")
	require.GreaterOrEqual(t, drained, 0, "calls %v", calls)
	afterDrain := calls[drained:]
	for _, call := range []string{"cancel " + itoa(seq), "release 0", "release 1", "close"} {
		assert.Contains(t, afterDrain, call)
	}
	assert.Equal(t, 2, a.handle.Count("release 0"), "released once by SET_CONFIGURATION, once at teardown")
}

func TestDetach(t *testing.T) {
	a := attach(t)
	assert.ErrorIs(t, a.srv.Detach("2-2"), srvusb.ErrDeviceNotFound)
	require.NoError(t, a.srv.Detach("1-4"))
	assert.Equal(t, 0, a.srv.AttachedDeviceCount())
	assert.True(t, a.handle.Closed())

	_, err := a.att.ReadReply(replyTimeout)
	assert.Error(t, err)
}

func TestServerClose(t *testing.T) {
	a := attach(t)
	require.NoError(t, a.srv.Close())
	assert.True(t, a.handle.Closed())
	assert.Equal(t, 0, a.srv.AttachedDeviceCount())
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
