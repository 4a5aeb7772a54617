package usb

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/samber/lo"

	"github.com/Alia5/usbipd/usb"
	"github.com/Alia5/usbipd/usbip"
)

const defaultBcdDevice = 0x0100

func (s *Server) handleDevList(conn net.Conn) error {
	devs, err := s.Devices()
	if err != nil {
		s.logger.Error("Failed to enumerate devices", "error", err)
	}
	exportable := lo.Filter(devs, func(d DeviceStatus, _ int) bool { return d.State != NotConnectable })

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: usbip.StatusOK}
	if len(exportable) == 0 {
		rep.Status = usbip.StatusNA
	}
	_ = rep.Write(&buf)
	list := usbip.DevListReply{Devices: lo.Map(exportable, func(d DeviceStatus, _ int) usbip.ExportedDevice {
		return exportRecord(d.Info)
	})}
	_ = list.Write(&buf)
	s.metrics.Handshake("devlist", len(exportable) > 0)
	s.logger.Info("OP_REP_DEVLIST", "devices", len(exportable))

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

// handleImport answers OP_REQ_IMPORT. A nil session with a nil error means
// the request was refused and the NA reply has been sent.
func (s *Server) handleImport(conn net.Conn) (*Session, error) {
	req, err := usbip.ReadImportRequest(conn)
	if err != nil {
		return nil, fmt.Errorf("read import busid: %w", err)
	}
	s.logger.Info("Import request", "busid", req.BusID)

	var buf bytes.Buffer
	sess, err := s.attach(conn, req.BusID)
	if err != nil {
		s.logger.Info("Import refused", "busid", req.BusID, "error", err)
		s.metrics.Handshake("import", false)
		rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: usbip.StatusNA}
		_ = rep.Write(&buf)
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return nil, fmt.Errorf("write import reply failed: %w", err)
		}
		return nil, nil
	}

	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: usbip.StatusOK}
	_ = rep.Write(&buf)
	exp := exportRecord(sess.info)
	_ = exp.WriteImport(&buf)
	s.metrics.Handshake("import", true)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		sess.close(err)
		return nil, fmt.Errorf("write import reply failed: %w", err)
	}
	sess.logger.Info("Device attached",
		"vid", fmt.Sprintf("%04x", sess.info.Device.IDVendor),
		"pid", fmt.Sprintf("%04x", sess.info.Device.IDProduct),
		"speed", usb.Speed(exp.Speed))
	return sess, nil
}

// attach resolves busID, opens the device and registers a session for it.
func (s *Server) attach(conn net.Conn, busID string) (*Session, error) {
	id, err := usb.ParseBusID(busID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	infos, err := s.host.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	info, ok := lo.Find(infos, func(d usb.DeviceInfo) bool { return d.ID == id })
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, busID)
	}
	if !s.exportable(info) {
		return nil, fmt.Errorf("%w: %s", ErrNotExportable, busID)
	}
	if s.sessions.Contains(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, busID)
	}

	handle, err := s.host.Open(id, s.complete)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", busID, err)
	}
	if live, err := readDeviceDescriptor(handle, s.config.ControlTimeout); err == nil {
		info.Device = live
	} else {
		s.logger.Debug("Failed to read device descriptor", "busid", busID, "error", err)
	}

	sess := newSession(s, info, handle, conn)
	sess.claimCurrent()
	if !s.sessions.TryAdd(id, sess) {
		for num := range sess.claimed {
			_ = handle.ReleaseInterface(num)
		}
		_ = handle.Close()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, busID)
	}
	s.metrics.SessionOpened()
	s.events.DeviceConnected(info)
	s.events.NotificationUpdate(s.sessions.Len())
	return sess, nil
}

// readDeviceDescriptor fetches the live device descriptor, which carries
// fields the platform listing may not expose.
func readDeviceDescriptor(h usb.Handle, timeout time.Duration) (usb.DeviceDescriptor, error) {
	setup := usb.ControlSetup{
		RequestType: usb.RequestDirIn | usb.RequestTypeStandard | usb.RecipientDevice,
		Request:     usb.ReqGetDescriptor,
		Value:       usb.DeviceDescType << 8,
		Length:      usb.DeviceDescLen,
	}
	buf := make([]byte, usb.DeviceDescLen)
	n, err := h.Control(setup, buf, timeout)
	if err != nil {
		return usb.DeviceDescriptor{}, err
	}
	return usb.ParseDeviceDescriptor(buf[:n])
}

// exportRecord builds the USB/IP device record for info.
func exportRecord(info usb.DeviceInfo) usbip.ExportedDevice {
	cfg, hasCfg := info.CurrentConfig()
	exp := usbip.ExportedDevice{
		Path:               info.Path,
		BusID:              info.ID.BusID(),
		BusNum:             info.ID.BusNum(),
		DevNum:             info.ID.DevNum(),
		Speed:              uint32(exportSpeed(info)),
		IDVendor:           info.Device.IDVendor,
		IDProduct:          info.Device.IDProduct,
		BcdDevice:          info.Device.BcdDevice,
		BDeviceClass:       info.Device.BDeviceClass,
		BDeviceSubClass:    info.Device.BDeviceSubClass,
		BDeviceProtocol:    info.Device.BDeviceProtocol,
		BNumConfigurations: info.Device.BNumConfigurations,
	}
	if exp.Path == "" {
		exp.Path = "/sys/bus/usb/devices/" + exp.BusID
	}
	if exp.BcdDevice == 0 {
		exp.BcdDevice = defaultBcdDevice
	}
	if exp.BNumConfigurations == 0 {
		exp.BNumConfigurations = uint8(len(info.Configs))
	}
	if !hasCfg {
		return exp
	}
	exp.BConfigurationValue = cfg.BConfigurationValue
	exp.BNumInterfaces = uint8(len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		var d usbip.InterfaceDesc
		if len(iface.AltSettings) > 0 {
			alt := iface.AltSettings[0]
			d = usbip.InterfaceDesc{Class: alt.BInterfaceClass, SubClass: alt.BInterfaceSubClass, Protocol: alt.BInterfaceProtocol}
		}
		exp.Interfaces = append(exp.Interfaces, d)
	}
	return exp
}

// exportSpeed prefers the platform speed and falls back to the endpoint heuristic.
func exportSpeed(info usb.DeviceInfo) usb.Speed {
	if info.Speed != usb.SpeedUnknown {
		return info.Speed
	}
	cfg, ok := info.CurrentConfig()
	if !ok {
		return usb.SpeedUnknown
	}
	return usb.DetectSpeed(usb.DeviceEndpoints(cfg), &info.Device)
}
