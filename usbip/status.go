package usbip

import (
	"fmt"
	"strings"
)

// URB status values carried in RET_SUBMIT.status / RET_UNLINK.status.
// These are negated Linux errno values.
const (
	StatusSuccess       int32 = 0
	StatusEndpointStall int32 = -32  // EPIPE
	StatusURBAborted    int32 = -54  // EXFULL
	StatusDataOverrun   int32 = -75  // EOVERFLOW
	StatusConnReset     int32 = -104 // ECONNRESET, unlinked
	StatusTimedOut      int32 = -110 // ETIMEDOUT
	StatusShortTransfer int32 = -121 // EREMOTEIO
)

// Transfer flags from usbip_header_cmd_submit.transfer_flags.
const (
	URBShortNotOK       uint32 = 0x0001
	URBIsoASAP          uint32 = 0x0002
	URBNoTransferDMAMap uint32 = 0x0004
	URBZeroPacket       uint32 = 0x0040
	URBNoInterrupt      uint32 = 0x0080
	URBFreeBuffer       uint32 = 0x0100
	URBDirIn            uint32 = 0x0200
)

var flagNames = []struct {
	bit  uint32
	name string
}{
	{URBShortNotOK, "SHORT_NOT_OK"},
	{URBIsoASAP, "ISO_ASAP"},
	{URBNoTransferDMAMap, "NO_TRANSFER_DMA_MAP"},
	{URBZeroPacket, "ZERO_PACKET"},
	{URBNoInterrupt, "NO_INTERRUPT"},
	{URBFreeBuffer, "FREE_BUFFER"},
	{URBDirIn, "DIR_IN"},
}

// FlagString renders transfer flags for logs, e.g. "SHORT_NOT_OK|DIR_IN".
func FlagString(flags uint32) string {
	if flags == 0 {
		return "0"
	}
	var parts []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
			flags &^= f.bit
		}
	}
	if flags != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", flags))
	}
	return strings.Join(parts, "|")
}
