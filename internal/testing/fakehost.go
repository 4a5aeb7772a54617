package testing

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/usb"
)

// FakeHost is an in-memory usb.Host. Its handles record every call and
// complete transfers only when the test says so, unless Respond is set.
type FakeHost struct {
	mu      sync.Mutex
	devices []usb.DeviceInfo
	handles map[usb.DeviceID]*FakeHandle

	// OpenErr makes every Open fail.
	OpenErr error
	// Respond, if set, is copied into every handle opened afterwards.
	Respond func(t *usb.Transfer) (usb.Completion, bool)
}

func NewFakeHost(devs ...usb.DeviceInfo) *FakeHost {
	return &FakeHost{devices: devs, handles: make(map[usb.DeviceID]*FakeHandle)}
}

// SetDevices replaces the enumerated devices, e.g. to simulate an unplug.
func (h *FakeHost) SetDevices(devs ...usb.DeviceInfo) {
	h.mu.Lock()
	h.devices = devs
	h.mu.Unlock()
}

func (h *FakeHost) Devices() ([]usb.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.devices), nil
}

func (h *FakeHost) Open(id usb.DeviceID, onComplete usb.CompletionFunc) (usb.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenErr != nil {
		return nil, h.OpenErr
	}
	info, ok := lo.Find(h.devices, func(d usb.DeviceInfo) bool { return d.ID == id })
	if !ok {
		return nil, usb.ENODEV
	}
	fh := &FakeHandle{
		id:         id,
		desc:       info.Device,
		onComplete: onComplete,
		pending:    make(map[uint32]*usb.Transfer),
		submits:    make(chan *usb.Transfer, 1024),
		Respond:    h.Respond,
	}
	h.handles[id] = fh
	return fh, nil
}

// Handle returns the most recently opened handle for id.
func (h *FakeHost) Handle(id usb.DeviceID) *FakeHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handles[id]
}

// FakeHandle is the handle returned by FakeHost.Open.
type FakeHandle struct {
	id         usb.DeviceID
	desc       usb.DeviceDescriptor
	onComplete usb.CompletionFunc
	submits    chan *usb.Transfer

	mu      sync.Mutex
	calls   []string
	pending map[uint32]*usb.Transfer
	drained bool
	closed  bool

	SubmitErr       error
	SetInterfaceErr error
	ControlErr      error
	// Respond completes a submitted transfer right away when it returns true.
	// Such transfers are not seen by NextSubmit.
	Respond func(t *usb.Transfer) (usb.Completion, bool)
}

func (h *FakeHandle) record(format string, args ...any) {
	h.mu.Lock()
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
	h.mu.Unlock()
}

// Calls returns the recorded calls in order, e.g. "claim 0", "setconfig 1",
// "submit 7".
func (h *FakeHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// Called reports whether call was recorded.
func (h *FakeHandle) Called(call string) bool {
	return slices.Contains(h.Calls(), call)
}

// Count returns how many recorded calls start with prefix.
func (h *FakeHandle) Count(prefix string) int {
	return lo.CountBy(h.Calls(), func(c string) bool { return strings.HasPrefix(c, prefix) })
}

func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// InFlight returns the number of submitted transfers not yet completed.
func (h *FakeHandle) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *FakeHandle) ClaimInterface(num uint8) error {
	h.record("claim %d", num)
	return nil
}

func (h *FakeHandle) ReleaseInterface(num uint8) error {
	h.record("release %d", num)
	return nil
}

func (h *FakeHandle) SetConfiguration(value uint8) error {
	h.record("setconfig %d", value)
	return nil
}

func (h *FakeHandle) SetInterface(num, alt uint8) error {
	h.record("setinterface %d %d", num, alt)
	return h.SetInterfaceErr
}

// Control answers GET_DESCRIPTOR(DEVICE) with the enumerated descriptor.
func (h *FakeHandle) Control(setup usb.ControlSetup, data []byte, _ time.Duration) (int, error) {
	h.record("control %s", setup)
	if h.ControlErr != nil {
		return 0, h.ControlErr
	}
	if setup.Request == usb.ReqGetDescriptor && setup.Value>>8 == usb.DeviceDescType {
		return copy(data, h.desc.Bytes()), nil
	}
	return 0, usb.EPIPE
}

func (h *FakeHandle) Submit(t *usb.Transfer) error {
	h.mu.Lock()
	if h.closed || h.drained {
		h.mu.Unlock()
		return usb.ENODEV
	}
	if h.SubmitErr != nil {
		h.mu.Unlock()
		return h.SubmitErr
	}
	h.calls = append(h.calls, fmt.Sprintf("submit %d", t.Seq))
	h.pending[t.Seq] = t
	respond := h.Respond
	h.mu.Unlock()

	if respond != nil {
		if c, ok := respond(t); ok {
			go h.deliver(t.Seq, c)
			return nil
		}
	}
	h.submits <- t
	return nil
}

// Cancel completes the transfer with -ECONNRESET, as libusb does.
func (h *FakeHandle) Cancel(seq uint32) error {
	h.record("cancel %d", seq)
	h.mu.Lock()
	t, ok := h.pending[seq]
	h.mu.Unlock()
	if !ok {
		return usb.ENOENT
	}
	h.deliver(seq, usb.Completion{Seq: seq, Status: usb.ECONNRESET.Status(), Kind: t.Kind})
	return nil
}

// Drain cancels everything still pending. Completions are delivered before it
// returns.
func (h *FakeHandle) Drain() error {
	h.record("drain")
	h.mu.Lock()
	h.drained = true
	seqs := slices.Sorted(maps.Keys(h.pending))
	h.mu.Unlock()
	for _, seq := range seqs {
		_ = h.Cancel(seq)
	}
	return nil
}

func (h *FakeHandle) Close() error {
	_ = h.Drain()
	h.record("close")
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// NextSubmit waits for the next transfer handed to Submit.
func (h *FakeHandle) NextSubmit(t *testing.T) *usb.Transfer {
	t.Helper()
	select {
	case tr := <-h.submits:
		return tr
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no transfer submitted")
		return nil
	}
}

// NoSubmit asserts that nothing is submitted within d.
func (h *FakeHandle) NoSubmit(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case tr := <-h.submits:
		require.FailNowf(t, "unexpected submit", "seq %d", tr.Seq)
	case <-time.After(d):
	}
}

// Complete finishes seq with status. For IN transfers data is copied into the
// transfer buffer; for OUT transfers the whole buffer counts as sent.
func (h *FakeHandle) Complete(seq uint32, status int32, data []byte) {
	h.mu.Lock()
	t, ok := h.pending[seq]
	h.mu.Unlock()
	if !ok {
		return
	}
	n := len(t.Data())
	if t.Dir == usb.DirIn {
		n = copy(t.Data(), data)
	}
	h.deliver(seq, usb.Completion{Seq: seq, Status: status, ActualLength: n, Kind: t.Kind})
}

// CompleteIso finishes an isochronous transfer with per-packet results.
// data is written at each packet's offset for IN transfers.
func (h *FakeHandle) CompleteIso(seq uint32, results []usb.IsoResult, data [][]byte) {
	h.mu.Lock()
	t, ok := h.pending[seq]
	h.mu.Unlock()
	if !ok {
		return
	}
	total := 0
	for i, p := range t.IsoPackets {
		if t.Dir == usb.DirIn && i < len(data) {
			copy(t.Buffer[p.Offset:p.Offset+p.Length], data[i])
		}
		if i < len(results) {
			total += int(results[i].ActualLength)
		}
	}
	h.deliver(seq, usb.Completion{Seq: seq, ActualLength: total, Kind: t.Kind, IsoPackets: results})
}

// CompleteRaw delivers c as is, whether or not the transfer is pending.
func (h *FakeHandle) CompleteRaw(c usb.Completion) {
	h.onComplete(c)
}

func (h *FakeHandle) deliver(seq uint32, c usb.Completion) {
	h.mu.Lock()
	_, ok := h.pending[seq]
	delete(h.pending, seq)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.Device = h.id
	h.onComplete(c)
}
