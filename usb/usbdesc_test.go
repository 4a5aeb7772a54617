package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/usb"
)

func TestDeviceDescriptorRoundTrip(t *testing.T) {
	d := usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BDeviceClass:       0xef,
		BDeviceSubClass:    0x02,
		BDeviceProtocol:    0x01,
		BMaxPacketSize0:    64,
		IDVendor:           0x1209,
		IDProduct:          0x0001,
		BcdDevice:          0x0102,
		IManufacturer:      1,
		IProduct:           2,
		ISerialNumber:      3,
		BNumConfigurations: 1,
	}
	raw := d.Bytes()
	require.Len(t, raw, usb.DeviceDescLen)
	assert.Equal(t, []byte{0x00, 0x02}, raw[2:4])

	got, err := usb.ParseDeviceDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = usb.ParseDeviceDescriptor(raw[:10])
	assert.ErrorIs(t, err, usb.ErrShortDescriptor)
}

func TestConfigDescriptorRoundTrip(t *testing.T) {
	cfg := usb.ConfigDescriptor{
		ConfigHeader: usb.ConfigHeader{BConfigurationValue: 1, BMAttributes: 0x80, BMaxPower: 50},
		Interfaces: []usb.Interface{
			{Number: 0, AltSettings: []usb.InterfaceDescriptor{{
				BInterfaceNumber: 0, BNumEndpoints: 2, BInterfaceClass: 0x08,
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: 512},
					{BEndpointAddress: 0x02, BMAttributes: 0x02, WMaxPacketSize: 512},
				},
			}}},
			{Number: 1, AltSettings: []usb.InterfaceDescriptor{
				{BInterfaceNumber: 1, BAlternateSetting: 0, BInterfaceClass: 0x01},
				{BInterfaceNumber: 1, BAlternateSetting: 1, BNumEndpoints: 1, BInterfaceClass: 0x01,
					Endpoints: []usb.EndpointDescriptor{{BEndpointAddress: 0x83, BMAttributes: 0x05, WMaxPacketSize: 192, BInterval: 1}}},
			}},
		},
	}
	raw := cfg.Bytes()
	got, err := usb.ParseConfigDescriptor(raw)
	require.NoError(t, err)

	cfg.WTotalLength = uint16(len(raw))
	cfg.BNumInterfaces = 2
	assert.Equal(t, cfg, got)

	iface, ok := got.Interface(1)
	require.True(t, ok)
	alt, ok := iface.AltSetting(1)
	require.True(t, ok)
	require.Len(t, alt.Endpoints, 1)
	assert.Equal(t, usb.KindIsochronous, alt.Endpoints[0].Kind())
	assert.Equal(t, usb.DirIn, alt.Endpoints[0].Direction())
	assert.Equal(t, uint8(3), alt.Endpoints[0].Number())

	_, ok = got.Interface(7)
	assert.False(t, ok)

	// class specific descriptors between interface and endpoint are skipped
	withHID := append([]byte(nil), raw[:usb.ConfigDescLen+usb.InterfaceDescLen]...)
	withHID = append(withHID, 0x09, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x3f, 0x00)
	withHID = append(withHID, raw[usb.ConfigDescLen+usb.InterfaceDescLen:]...)
	withHID[2] = byte(len(withHID))
	withHID[3] = byte(len(withHID) >> 8)
	got2, err := usb.ParseConfigDescriptor(withHID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Interfaces, got2.Interfaces)

	_, err = usb.ParseConfigDescriptor(raw[:len(raw)-3])
	assert.ErrorIs(t, err, usb.ErrShortDescriptor)
}

func TestControlSetup(t *testing.T) {
	raw := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	s := usb.ParseSetup(raw)
	assert.Equal(t, usb.ControlSetup{RequestType: 0x80, Request: usb.ReqGetDescriptor, Value: 0x0100, Length: 18}, s)
	assert.Equal(t, raw, s.Bytes())
	assert.Equal(t, usb.DirIn, s.Direction())
	assert.Contains(t, s.String(), "GET_DESCRIPTOR")
	assert.False(t, s.IsSetConfiguration())

	assert.True(t, usb.ControlSetup{Request: usb.ReqSetConfiguration, Value: 1}.IsSetConfiguration())
	assert.True(t, usb.ControlSetup{RequestType: 0x01, Request: usb.ReqSetInterface}.IsSetInterface())
	assert.False(t, usb.ControlSetup{RequestType: 0x21, Request: usb.ReqSetInterface}.IsSetInterface())
	assert.Contains(t, usb.ControlSetup{RequestType: 0x21, Request: 0x09}.String(), "class 0x09")
}

func TestDeviceID(t *testing.T) {
	id := usb.MakeDeviceID(3, 17)
	assert.Equal(t, usb.DeviceID(3017), id)
	assert.Equal(t, "3-17", id.BusID())
	assert.Equal(t, uint32(3<<16|17), id.DevID())
	assert.Equal(t, id, usb.DeviceIDFromDevID(id.DevID()))

	parsed, err := usb.ParseBusID("3-17")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "3", "a-1", "1-b", "1-1000"} {
		_, err := usb.ParseBusID(bad)
		assert.Error(t, err, bad)
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, int32(0), usb.StatusOf(nil))
	assert.Equal(t, int32(-32), usb.StatusOf(usb.EPIPE))
	assert.Equal(t, int32(-110), usb.StatusOf(usb.ETIMEDOUT))
	assert.Equal(t, int32(-5), usb.StatusOf(assert.AnError))
	assert.Equal(t, "ENODEV", usb.ENODEV.Error())
}
