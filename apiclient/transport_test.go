package apiclient_test

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/apiclient"
	"github.com/Alia5/usbipd/apitypes"
	"github.com/Alia5/usbipd/internal/server/api/auth"
)

// lineServer accepts one connection, reads a NUL terminated request, hands it
// to requests and answers with reply.
func lineServer(t *testing.T, reply string) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	requests := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(conn).ReadString('\x00')
		if err != nil {
			return
		}
		requests <- line
		_, _ = conn.Write([]byte(reply))
	}()
	return ln.Addr().String(), requests
}

func TestTransportRequestFraming(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		payload any
		params  map[string]string
		want    string
	}{
		{name: "no payload", path: "device/list", want: "device/list\x00"},
		{name: "empty string is no payload", path: "device/list", payload: "", want: "device/list\x00"},
		{name: "raw bytes", path: "echo", payload: []byte{0x01, 0x02}, want: "echo \x01\x02\x00"},
		{name: "string with newline", path: "echo", payload: "a\nb", want: "echo a\nb\x00"},
		{name: "struct as json", path: "echo", payload: apitypes.DeviceDetachResponse{BusID: "1-4"}, want: `echo {"busId":"1-4"}` + "\x00"},
		{name: "path params", path: "device/{busid}/detach", params: map[string]string{"busid": "3-12"}, want: "device/3-12/detach\x00"},
		{name: "params are escaped", path: "device/{busid}/detach", params: map[string]string{"busid": "a/b"}, want: "device/a%2fb/detach\x00"},
		{name: "path is lowercased", path: "Session/Count", want: "session/count\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, requests := lineServer(t, "{}\n")
			out, err := apiclient.NewTransport(addr).Do(tt.path, tt.payload, tt.params)
			require.NoError(t, err)
			assert.Equal(t, "{}", out)
			assert.Equal(t, tt.want, <-requests)
		})
	}
}

func TestTransportTrimsSingleNewline(t *testing.T) {
	addr, _ := lineServer(t, "{\n  \"attached\": 2\n}\n\n")
	out, err := apiclient.NewTransport(addr).Do("session/count", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"attached\": 2\n}\n", out)
}

func TestTransportUnencodablePayload(t *testing.T) {
	_, err := apiclient.NewTransport("127.0.0.1:9").Do("echo", make(chan int), nil)
	assert.ErrorContains(t, err, "encode payload")
}

func TestTransportContextAbortsRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadString('\x00')
		time.Sleep(2 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = apiclient.NewTransport(ln.Addr().String()).DoCtx(ctx, "device/list", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransportAuthenticated(t *testing.T) {
	key, err := auth.DeriveKey("hunter2")
	require.NoError(t, err)

	echo := func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		secure, err := auth.Accept(conn, r, key)
		if err != nil {
			var apiErr apitypes.ApiError
			if errors.As(err, &apiErr) {
				b, _ := json.Marshal(apiErr)
				_, _ = conn.Write(append(b, '\n'))
			}
			return
		}
		line, err := bufio.NewReader(secure).ReadString('\x00')
		if err != nil {
			return
		}
		_, _ = secure.Write([]byte("got " + line[:len(line)-1] + "\n"))
	}

	tests := []struct {
		name     string
		password string
		handle   func(net.Conn)
		check    func(t *testing.T, out string, err error)
	}{
		{
			name:     "echo over encrypted conn",
			password: "hunter2",
			handle:   echo,
			check: func(t *testing.T, out string, err error) {
				require.NoError(t, err)
				assert.Equal(t, "got session/count", out)
			},
		},
		{
			name:     "wrong password",
			password: "letmein",
			handle:   echo,
			check: func(t *testing.T, _ string, err error) {
				var apiErr *apitypes.ApiError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, 401, apiErr.Status)
				assert.Equal(t, "invalid password", apiErr.Detail)
			},
		},
		{
			name:     "server hangs up",
			password: "hunter2",
			handle:   func(conn net.Conn) { _ = conn.Close() },
			check: func(t *testing.T, out string, err error) {
				assert.Error(t, err)
				assert.Empty(t, out)
			},
		},
		{
			name:     "garbage handshake reply",
			password: "hunter2",
			handle: func(conn net.Conn) {
				defer conn.Close()
				_, _ = io.ReadFull(conn, make([]byte, len(auth.HandshakeMagic)+auth.NonceSize+sha256.Size))
				_, _ = conn.Write([]byte("no thanks\n"))
			},
			check: func(t *testing.T, _ string, err error) {
				assert.ErrorContains(t, err, "invalid handshake response")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()
			go func() {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				tt.handle(conn)
			}()

			out, err := apiclient.NewTransportWithPassword(ln.Addr().String(), tt.password).Do("session/count", nil, nil)
			tt.check(t, out, err)
		})
	}
}
