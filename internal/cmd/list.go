package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"golang.org/x/term"

	"github.com/Alia5/usbipd/apiclient"
	"github.com/Alia5/usbipd/apitypes"
	"github.com/Alia5/usbipd/internal/log"
	"github.com/Alia5/usbipd/internal/server/api/handler"
	srvusb "github.com/Alia5/usbipd/internal/server/usb"
	"github.com/Alia5/usbipd/internal/transport/libusb"
	"github.com/Alia5/usbipd/usb"
)

type List struct {
	Remote   string        `help:"Query the management API of a running server instead of the local bus (host:port)" env:"USBIPD_LIST_REMOTE"`
	Password string        `help:"Management API password for --remote" env:"USBIPD_API_PASSWORD"`
	Timeout  time.Duration `help:"Timeout for --remote queries" default:"5s"`
	Exclude  []string      `help:"Devices reported as not-connectable, as vid:pid in hex" env:"USBIPD_USB_EXCLUDE"`
	JSON     bool          `help:"Print JSON even when stdout is a terminal"`
}

// Run is called by Kong when the list command is executed.
func (l *List) Run(logger *slog.Logger) error {
	var devices []apitypes.Device
	var err error
	if l.Remote != "" {
		devices, err = l.remoteDevices()
	} else {
		host := libusb.New(logger)
		defer host.Close()
		devices, err = localDevices(host, l.Exclude, logger)
	}
	if err != nil {
		return err
	}

	asTable := !l.JSON && term.IsTerminal(int(os.Stdout.Fd()))
	return writeDevices(os.Stdout, devices, asTable)
}

func (l *List) remoteDevices() ([]apitypes.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()
	c := apiclient.NewWithPassword(l.Remote, l.Password)
	res, err := c.DeviceListCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", l.Remote, err)
	}
	return res.Devices, nil
}

// localDevices enumerates host the way the server would export it.
func localDevices(host usb.Host, exclude []string, logger *slog.Logger) ([]apitypes.Device, error) {
	srv := srvusb.New(srvusb.ServerConfig{Exclude: exclude}, host, logger, log.NewRaw(nil))
	statuses, err := srv.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return lo.Map(statuses, func(st srvusb.DeviceStatus, _ int) apitypes.Device {
		return handler.ToAPIDevice(st)
	}), nil
}

func writeDevices(w io.Writer, devices []apitypes.Device, asTable bool) error {
	if !asTable {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(apitypes.DevicesListResponse{Devices: devices})
	}
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No USB devices found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUSID\tVID:PID\tCLASS\tSPEED\tSTATE\tREMOTE")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\t%s\t%s\n",
			d.BusID,
			strings.TrimPrefix(d.Vid, "0x"),
			strings.TrimPrefix(d.Pid, "0x"),
			strings.TrimPrefix(d.Class, "0x"),
			d.Speed,
			d.State,
			lo.Ternary(d.Remote == "", "-", d.Remote),
		)
	}
	return tw.Flush()
}
