package testing

import "github.com/Alia5/usbipd/usb"

// Endpoint addresses of BulkDevice.
const (
	BulkIn        = 0x81
	BulkOut       = 0x02
	IsoIn         = 0x83
	InterruptIn   = 0x84
	Config2BulkIn = 0x85
)

func endpoint(addr uint8, kind usb.TransferKind, maxPacket uint16) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{BEndpointAddress: addr, BMAttributes: uint8(kind), WMaxPacketSize: maxPacket, BInterval: 1}
}

// BulkDevice is a vendor specific high speed device with two configurations.
//
// Configuration 1: interface 0 alt 0 has bulk IN 0x81 and bulk OUT 0x02,
// alt 1 adds isochronous IN 0x83; interface 1 has interrupt IN 0x84.
// Configuration 2: interface 0 has bulk IN 0x85 only.
func BulkDevice(busNum, devNum uint32) usb.DeviceInfo {
	bulk := []usb.EndpointDescriptor{
		endpoint(BulkIn, usb.KindBulk, 512),
		endpoint(BulkOut, usb.KindBulk, 512),
	}
	return usb.DeviceInfo{
		ID:   usb.MakeDeviceID(busNum, devNum),
		Path: "/dev/bus/usb/001/004",
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0xFF,
			BMaxPacketSize0:    64,
			IDVendor:           0x1209,
			IDProduct:          0x0001,
			BcdDevice:          0x0142,
			BNumConfigurations: 2,
		},
		ActiveConfig: 1,
		Configs: []usb.ConfigDescriptor{
			{
				ConfigHeader: usb.ConfigHeader{BConfigurationValue: 1, BMAttributes: 0x80, BMaxPower: 50},
				Interfaces: []usb.Interface{
					{Number: 0, AltSettings: []usb.InterfaceDescriptor{
						{BInterfaceNumber: 0, BAlternateSetting: 0, BInterfaceClass: 0xFF, Endpoints: bulk},
						{BInterfaceNumber: 0, BAlternateSetting: 1, BInterfaceClass: 0xFF, Endpoints: append(bulk[:2:2], endpoint(IsoIn, usb.KindIsochronous, 512))},
					}},
					{Number: 1, AltSettings: []usb.InterfaceDescriptor{
						{BInterfaceNumber: 1, BInterfaceClass: 0x03, BInterfaceSubClass: 0x01, BInterfaceProtocol: 0x02, Endpoints: []usb.EndpointDescriptor{endpoint(InterruptIn, usb.KindInterrupt, 64)}},
					}},
				},
			},
			{
				ConfigHeader: usb.ConfigHeader{BConfigurationValue: 2, BMAttributes: 0x80, BMaxPower: 50},
				Interfaces: []usb.Interface{
					{Number: 0, AltSettings: []usb.InterfaceDescriptor{
						{BInterfaceNumber: 0, BInterfaceClass: 0xFF, Endpoints: []usb.EndpointDescriptor{endpoint(Config2BulkIn, usb.KindBulk, 512)}},
					}},
				},
			},
		},
	}
}

// HubDevice is a root hub, which is never exported.
func HubDevice(busNum, devNum uint32) usb.DeviceInfo {
	return usb.DeviceInfo{
		ID:    usb.MakeDeviceID(busNum, devNum),
		Speed: usb.SpeedHigh,
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       usb.ClassHub,
			IDVendor:           0x1d6b,
			IDProduct:          0x0002,
			BNumConfigurations: 1,
		},
		ActiveConfig: 1,
		Configs: []usb.ConfigDescriptor{{
			ConfigHeader: usb.ConfigHeader{BConfigurationValue: 1},
			Interfaces: []usb.Interface{{Number: 0, AltSettings: []usb.InterfaceDescriptor{
				{BInterfaceClass: usb.ClassHub, Endpoints: []usb.EndpointDescriptor{endpoint(0x81, usb.KindInterrupt, 4)}},
			}}},
		}},
	}
}
