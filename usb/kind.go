package usb

// TransferKind is the closed set of USB transfer types. Values match
// bmAttributes bits 0..1 of an endpoint descriptor.
type TransferKind uint8

const (
	KindControl     TransferKind = 0
	KindIsochronous TransferKind = 1
	KindBulk        TransferKind = 2
	KindInterrupt   TransferKind = 3
)

func (k TransferKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindIsochronous:
		return "isochronous"
	case KindBulk:
		return "bulk"
	case KindInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Direction of a transfer as carried in usbip_header_basic.direction.
type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// EndpointAddress builds bEndpointAddress from number and direction.
func EndpointAddress(num uint8, dir Direction) uint8 {
	if dir == DirIn {
		return num | 0x80
	}
	return num & 0x0F
}
