package usb

// Speed is the USB/IP speed code (enum usb_device_speed).
type Speed uint32

const (
	SpeedUnknown  Speed = 0
	SpeedLow      Speed = 1
	SpeedFull     Speed = 2
	SpeedHigh     Speed = 3
	SpeedWireless Speed = 4
	SpeedSuper    Speed = 5
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedWireless:
		return "wireless"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// candidate order, lowest first
var speedOrder = [...]Speed{SpeedLow, SpeedFull, SpeedHigh, SpeedSuper}

type speedSet uint8

func (s speedSet) has(sp Speed) bool { return s&bit(sp) != 0 }
func bit(sp Speed) speedSet {
	for i, c := range speedOrder {
		if c == sp {
			return 1 << i
		}
	}
	return 0
}

// DetectSpeed infers the speed class from endpoint max packet sizes and, when
// desc is non-nil, bcdUSB. Control and interrupt endpoints exclude classes;
// bulk and 1024 byte isochronous endpoints reset the candidates outright, so
// endpoint order matters. The lowest surviving class wins.
func DetectSpeed(endpoints []EndpointDescriptor, desc *DeviceDescriptor) Speed {
	possible := bit(SpeedLow) | bit(SpeedFull) | bit(SpeedHigh) | bit(SpeedSuper)

	for _, ep := range endpoints {
		mps := ep.MaxPacketSize()
		switch ep.Kind() {
		case KindControl:
			if mps > 8 {
				possible &^= bit(SpeedLow)
			}
			if mps < 64 {
				possible &^= bit(SpeedHigh)
			}
			if mps < 512 {
				possible &^= bit(SpeedFull)
			}
		case KindInterrupt:
			if mps > 8 {
				possible &^= bit(SpeedLow)
			}
			if mps > 64 {
				possible &^= bit(SpeedFull)
			}
			if mps > 512 {
				possible &^= bit(SpeedHigh)
			}
		case KindBulk:
			// a bulk size alone names the class; the last bulk endpoint wins
			switch mps {
			case 512:
				possible = bit(SpeedHigh)
			case 1024:
				possible = bit(SpeedSuper)
			default:
				possible = bit(SpeedFull)
			}
		case KindIsochronous:
			possible &^= bit(SpeedLow)
			if mps == 1024 {
				possible = bit(SpeedHigh)
			}
		}
	}

	if desc != nil {
		if desc.BcdUSB < 0x0200 {
			possible &^= bit(SpeedHigh)
		}
		if desc.BcdUSB < 0x0300 {
			possible &^= bit(SpeedSuper)
		}
	}

	for _, sp := range speedOrder {
		if possible.has(sp) {
			return sp
		}
	}
	return SpeedUnknown
}

// DeviceEndpoints flattens every endpoint of every alternate setting of cfg.
func DeviceEndpoints(cfgs ...ConfigDescriptor) []EndpointDescriptor {
	var out []EndpointDescriptor
	for _, c := range cfgs {
		for _, iface := range c.Interfaces {
			for _, alt := range iface.AltSettings {
				out = append(out, alt.Endpoints...)
			}
		}
	}
	return out
}
