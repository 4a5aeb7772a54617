package usb

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeviceID identifies a device on the local host as busnum*1000 + devnum.
type DeviceID uint32

// MakeDeviceID builds a DeviceID from bus and device numbers.
func MakeDeviceID(busNum, devNum uint32) DeviceID {
	return DeviceID(busNum*1000 + devNum)
}

func (id DeviceID) BusNum() uint32 { return uint32(id) / 1000 }
func (id DeviceID) DevNum() uint32 { return uint32(id) % 1000 }

// BusID is the "<busnum>-<devnum>" string used by OP_REQ_IMPORT.
func (id DeviceID) BusID() string {
	return fmt.Sprintf("%d-%d", id.BusNum(), id.DevNum())
}

// DevID is the value carried in usbip_header_basic.devid.
func (id DeviceID) DevID() uint32 {
	return id.BusNum()<<16 | id.DevNum()
}

// DeviceIDFromDevID reverses DevID.
func DeviceIDFromDevID(devid uint32) DeviceID {
	return MakeDeviceID((devid>>16)&0xFF, devid&0xFF)
}

// ParseBusID parses "<busnum>-<devnum>".
func ParseBusID(s string) (DeviceID, error) {
	bus, dev, ok := strings.Cut(s, "-")
	if !ok {
		return 0, fmt.Errorf("invalid bus id %q", s)
	}
	b, err := strconv.ParseUint(bus, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid bus number in %q: %w", s, err)
	}
	d, err := strconv.ParseUint(dev, 10, 16)
	if err != nil || d >= 1000 {
		return 0, fmt.Errorf("invalid device number in %q", s)
	}
	return MakeDeviceID(uint32(b), uint32(d)), nil
}

// DeviceInfo is what a Host reports for an enumerated device without opening it.
type DeviceInfo struct {
	ID     DeviceID
	Path   string
	Speed  Speed // as reported by the platform; SpeedUnknown if not exposed
	Device DeviceDescriptor
	// Configs holds every configuration the platform exposes.
	Configs []ConfigDescriptor
	// ActiveConfig is bConfigurationValue of the current configuration, 0 if unknown.
	ActiveConfig uint8
}

// Config returns the configuration with the given bConfigurationValue.
func (d DeviceInfo) Config(value uint8) (ConfigDescriptor, bool) {
	for _, c := range d.Configs {
		if c.BConfigurationValue == value {
			return c, true
		}
	}
	return ConfigDescriptor{}, false
}

// CurrentConfig returns the active configuration, falling back to the first.
func (d DeviceInfo) CurrentConfig() (ConfigDescriptor, bool) {
	if c, ok := d.Config(d.ActiveConfig); ok {
		return c, true
	}
	if len(d.Configs) > 0 {
		return d.Configs[0], true
	}
	return ConfigDescriptor{}, false
}

// IsoPacket is the requested length of one isochronous packet.
type IsoPacket struct {
	Offset uint32
	Length uint32
}

// IsoResult is the outcome of one isochronous packet.
type IsoResult struct {
	ActualLength uint32
	Status       int32
}

// Transfer is one asynchronous transfer handed to Handle.Submit.
//
// For control transfers Buffer starts with the 8 setup bytes followed by the
// data stage, as libusb lays it out. ActualLength in the completion never
// counts the setup bytes.
type Transfer struct {
	Seq        uint32
	Kind       TransferKind
	Endpoint   uint8 // bEndpointAddress, direction bit included
	Dir        Direction
	Flags      uint32
	Buffer     []byte
	IsoPackets []IsoPacket
	Interval   uint32
	Timeout    time.Duration
}

// Data returns the data stage of the buffer.
func (t *Transfer) Data() []byte {
	if t.Kind == KindControl {
		return t.Buffer[SetupPacketSize:]
	}
	return t.Buffer
}

// Completion is delivered by the host transport when a submitted transfer finishes.
type Completion struct {
	// Device is the completing device, 0 if the transport cannot tell.
	Device       DeviceID
	Seq          uint32
	Status       int32 // 0 or negative errno
	ActualLength int
	Kind         TransferKind
	IsoPackets   []IsoResult
}

// CompletionFunc may be called from any goroutine.
type CompletionFunc func(Completion)

// Host enumerates and opens local USB devices.
type Host interface {
	Devices() ([]DeviceInfo, error)
	// Open opens the device; completions of transfers submitted on the
	// returned handle are delivered to onComplete.
	Open(id DeviceID, onComplete CompletionFunc) (Handle, error)
}

// Handle is an opened device.
type Handle interface {
	ClaimInterface(num uint8) error
	ReleaseInterface(num uint8) error
	SetConfiguration(value uint8) error
	SetInterface(num, alt uint8) error
	// Control performs a synchronous control transfer and returns the bytes transferred.
	Control(setup ControlSetup, data []byte, timeout time.Duration) (int, error)
	// Submit starts t asynchronously. A nil error means exactly one Completion
	// for t.Seq follows, also when the transfer is cancelled.
	Submit(t *Transfer) error
	Cancel(seq uint32) error
	// Drain cancels every submitted transfer and returns once all of their
	// completions have been delivered. Later submits fail.
	Drain() error
	// Close drains the handle and releases the device.
	Close() error
}
