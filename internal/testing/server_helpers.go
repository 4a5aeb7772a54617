package testing

import (
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/internal/log"
	srvusb "github.com/Alia5/usbipd/internal/server/usb"
	"github.com/Alia5/usbipd/usb"
)

// StartUSBServer serves host on a free loopback port until the test ends.
func StartUSBServer(t testing.TB, host usb.Host, cfg srvusb.ServerConfig, opts ...srvusb.Option) (addr string, srv *srvusb.Server) {
	t.Helper()
	if cfg.ControlTimeout == 0 {
		cfg.ControlTimeout = time.Second
	}
	srv = srvusb.New(cfg, host, slog.Default(), log.NewRaw(nil), opts...)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	<-srv.Ready()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().String(), srv
}

// RecordingEvents is an EventSink that keeps every event in order.
type RecordingEvents struct {
	ch chan string
}

func NewRecordingEvents() *RecordingEvents {
	return &RecordingEvents{ch: make(chan string, 64)}
}

func (e *RecordingEvents) DeviceConnected(dev usb.DeviceInfo) {
	e.ch <- "connected " + dev.ID.BusID()
}

func (e *RecordingEvents) DeviceDisconnected(dev usb.DeviceInfo) {
	e.ch <- "disconnected " + dev.ID.BusID()
}

func (e *RecordingEvents) NotificationUpdate(attached int) {
	e.ch <- "update " + strconv.Itoa(attached)
}

// Next waits for the next event.
func (e *RecordingEvents) Next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no event")
		return ""
	}
}
