package testing

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/internal/server/api"
	srvusb "github.com/Alia5/usbipd/internal/server/usb"
)

// StartAPIServer starts an API server on a free loopback port in front of
// usbSrv. register installs the routes the test needs. The server is closed
// when the test ends.
func StartAPIServer(t *testing.T, usbSrv *srvusb.Server, cfg api.ServerConfig, register func(r *api.Router)) string {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	apiSrv, err := api.New(usbSrv, cfg, slog.Default())
	require.NoError(t, err)
	if register != nil {
		register(apiSrv.Router())
	}
	require.NoError(t, apiSrv.Start())
	t.Cleanup(apiSrv.Close)
	return apiSrv.Addr().String()
}

// ExecCmd dials addr, sends cmd null-terminated and returns the reply
// without its trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = fmt.Fprintf(c, "%s\x00", cmd)
	require.NoError(t, err)

	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}
	return strings.TrimSuffix(line, "\n")
}
