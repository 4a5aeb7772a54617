package usb

import (
	"github.com/Alia5/usbipd/usb"
)

// handleInternalControl executes SET_CONFIGURATION and SET_INTERFACE on the
// calling goroutine. The caller holds the whole limiter, so no other transfer
// of this device is in flight.
func (s *Session) handleInternalControl(setup usb.ControlSetup) int32 {
	if setup.IsSetConfiguration() {
		return s.setConfiguration(uint8(setup.Value))
	}
	return s.setInterface(uint8(setup.Index), uint8(setup.Value))
}

func (s *Session) setConfiguration(value uint8) int32 {
	cfg, ok := s.info.Config(value)
	if !ok {
		// Acknowledged without being applied; the client is not told.
		s.logger.Warn("SET_CONFIGURATION with unknown configuration value, replying success", "value", value)
		return usb.StatusOf(nil)
	}

	s.mu.Lock()
	prev := s.activeConfig
	claimed := s.claimed
	s.mu.Unlock()

	for num := range claimed {
		if err := s.handle.ReleaseInterface(num); err != nil {
			s.logger.Debug("Failed to release interface", "interface", num, "error", err)
		}
	}
	if prev == nil || prev.BConfigurationValue != value {
		if err := s.handle.SetConfiguration(value); err != nil {
			s.logger.Warn("SetConfiguration failed", "value", value, "error", err)
		}
	}

	nowClaimed := make(map[uint8]struct{}, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		if err := s.handle.ClaimInterface(iface.Number); err != nil {
			s.logger.Warn("Failed to claim interface", "interface", iface.Number, "error", err)
			continue
		}
		nowClaimed[iface.Number] = struct{}{}
	}

	s.mu.Lock()
	s.activeConfig = &cfg
	s.altSettings = make(map[uint8]uint8, len(cfg.Interfaces))
	s.claimed = nowClaimed
	s.rebuildEndpointsLocked()
	n := len(s.endpoints)
	s.mu.Unlock()

	s.logger.Info("Configuration selected", "value", value, "interfaces", len(cfg.Interfaces), "endpoints", n)
	return 0
}

func (s *Session) setInterface(num, alt uint8) int32 {
	s.mu.Lock()
	cfg := s.activeConfig
	s.mu.Unlock()
	if cfg == nil {
		s.logger.Warn("SET_INTERFACE before SET_CONFIGURATION", "interface", num, "alt", alt)
		return usb.EPIPE.Status()
	}
	iface, ok := cfg.Interface(num)
	if !ok {
		s.logger.Warn("SET_INTERFACE on unknown interface", "interface", num)
		return usb.EPIPE.Status()
	}
	if _, ok := iface.AltSetting(alt); !ok {
		s.logger.Warn("SET_INTERFACE with unknown alternate setting", "interface", num, "alt", alt)
		return usb.EPIPE.Status()
	}

	if err := s.handle.ReleaseInterface(num); err != nil {
		s.logger.Debug("Failed to release interface", "interface", num, "error", err)
	}
	if err := s.handle.SetInterface(num, alt); err != nil {
		s.logger.Warn("SetInterface failed, restoring claim", "interface", num, "alt", alt, "error", err)
		if cerr := s.handle.ClaimInterface(num); cerr != nil {
			s.logger.Warn("Failed to restore interface claim", "interface", num, "error", cerr)
			s.mu.Lock()
			delete(s.claimed, num)
			s.mu.Unlock()
		}
		return usb.StatusOf(err)
	}
	claimErr := s.handle.ClaimInterface(num)
	if claimErr != nil {
		s.logger.Warn("Failed to claim interface", "interface", num, "error", claimErr)
	}

	s.mu.Lock()
	s.altSettings[num] = alt
	if claimErr == nil {
		s.claimed[num] = struct{}{}
	} else {
		delete(s.claimed, num)
	}
	s.rebuildEndpointsLocked()
	s.mu.Unlock()

	s.logger.Debug("Alternate setting selected", "interface", num, "alt", alt)
	return 0
}
