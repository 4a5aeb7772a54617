package libusb

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/gousb"
	"github.com/samber/lo"

	"github.com/Alia5/usbipd/usb"
)

func convertSpeed(s gousb.Speed) usb.Speed {
	switch s {
	case gousb.SpeedLow:
		return usb.SpeedLow
	case gousb.SpeedFull:
		return usb.SpeedFull
	case gousb.SpeedHigh:
		return usb.SpeedHigh
	case gousb.SpeedSuper:
		return usb.SpeedSuper
	default:
		return usb.SpeedUnknown
	}
}

func convertDevice(desc *gousb.DeviceDesc) usb.DeviceInfo {
	info := usb.DeviceInfo{
		ID:    usb.MakeDeviceID(uint32(desc.Bus), uint32(desc.Address)),
		Path:  fmt.Sprintf("/dev/bus/usb/%03d/%03d", desc.Bus, desc.Address),
		Speed: convertSpeed(desc.Speed),
		Device: usb.DeviceDescriptor{
			BcdUSB:             uint16(desc.Spec),
			BDeviceClass:       uint8(desc.Class),
			BDeviceSubClass:    uint8(desc.SubClass),
			BDeviceProtocol:    uint8(desc.Protocol),
			BMaxPacketSize0:    uint8(desc.MaxControlPacketSize),
			IDVendor:           uint16(desc.Vendor),
			IDProduct:          uint16(desc.Product),
			BcdDevice:          uint16(desc.Device),
			BNumConfigurations: uint8(len(desc.Configs)),
		},
	}
	nums := lo.Keys(desc.Configs)
	slices.Sort(nums)
	for _, n := range nums {
		info.Configs = append(info.Configs, convertConfig(desc.Configs[n], desc.Speed))
	}
	return info
}

func convertConfig(cfg gousb.ConfigDesc, speed gousb.Speed) usb.ConfigDescriptor {
	attrs := uint8(0x80)
	if cfg.SelfPowered {
		attrs |= 0x40
	}
	if cfg.RemoteWakeup {
		attrs |= 0x20
	}
	out := usb.ConfigDescriptor{ConfigHeader: usb.ConfigHeader{
		BNumInterfaces:      uint8(len(cfg.Interfaces)),
		BConfigurationValue: uint8(cfg.Number),
		BMAttributes:        attrs,
		BMaxPower:           uint8(min(cfg.MaxPower/2, 0xFF)),
	}}
	for _, iface := range cfg.Interfaces {
		conv := usb.Interface{Number: uint8(iface.Number)}
		for _, alt := range iface.AltSettings {
			conv.AltSettings = append(conv.AltSettings, convertSetting(alt, speed))
		}
		out.Interfaces = append(out.Interfaces, conv)
	}
	return out
}

func convertSetting(s gousb.InterfaceSetting, speed gousb.Speed) usb.InterfaceDescriptor {
	eps := lo.MapToSlice(s.Endpoints, func(_ gousb.EndpointAddress, ep gousb.EndpointDesc) usb.EndpointDescriptor {
		return convertEndpoint(ep, speed)
	})
	slices.SortFunc(eps, func(a, b usb.EndpointDescriptor) int { return cmp.Compare(a.BEndpointAddress, b.BEndpointAddress) })
	return usb.InterfaceDescriptor{
		BInterfaceNumber:   uint8(s.Number),
		BAlternateSetting:  uint8(s.Alternate),
		BNumEndpoints:      uint8(len(eps)),
		BInterfaceClass:    uint8(s.Class),
		BInterfaceSubClass: uint8(s.SubClass),
		BInterfaceProtocol: uint8(s.Protocol),
		Endpoints:          eps,
	}
}

func convertEndpoint(ep gousb.EndpointDesc, speed gousb.Speed) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{
		BEndpointAddress: uint8(ep.Address),
		BMAttributes:     uint8(ep.TransferType) | uint8(ep.IsoSyncType) | uint8(ep.UsageType),
		WMaxPacketSize:   uint16(min(ep.MaxPacketSize, 0x7FF)),
		BInterval:        pollInterval(ep, speed),
	}
}

// pollInterval reverses gousb's decoding of bInterval.
func pollInterval(ep gousb.EndpointDesc, speed gousb.Speed) uint8 {
	if ep.PollInterval <= 0 {
		return 0
	}
	if ep.TransferType == gousb.TransferTypeInterrupt && (speed == gousb.SpeedLow || speed == gousb.SpeedFull) {
		return uint8(min(ep.PollInterval/time.Millisecond, 0xFF))
	}
	// 2^(bInterval-1) frames of 125µs, or 1ms frames at full speed
	unit := 125 * time.Microsecond
	if speed == gousb.SpeedFull || speed == gousb.SpeedLow {
		unit = time.Millisecond
	}
	b := uint8(1)
	for d := unit; d < ep.PollInterval && b < 16; d *= 2 {
		b++
	}
	return b
}

// isoResults splits n transferred bytes over the requested packets in order.
func isoResults(packets []usb.IsoPacket, n int, status int32) []usb.IsoResult {
	out := make([]usb.IsoResult, len(packets))
	left := uint32(max(n, 0))
	for i, p := range packets {
		got := min(p.Length, left)
		left -= got
		out[i] = usb.IsoResult{ActualLength: got, Status: status}
	}
	return out
}
