package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger records every chunk read from or written to a USB/IP socket.
type RawLogger interface {
	Log(in bool, data []byte)
}

type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a RawLogger writing to w. A nil w discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log writes one line per chunk: timestamp, direction, length and hex dump.
// in is true for client to server.
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	dir := "S->C"
	if in {
		dir = "C->S"
	}

	var line bytes.Buffer
	fmt.Fprintf(&line, "%s %s %d bytes:", time.Now().Format("2006/01/02 15:04:05.000"), dir, len(data))
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i%48 == 0 {
			line.WriteString("\n ")
		}
		line.WriteByte(' ')
		line.WriteByte(hexdigits[b>>4])
		line.WriteByte(hexdigits[b&0x0f])
	}
	line.WriteByte('\n')

	r.mu.Lock()
	_, _ = r.w.Write(line.Bytes())
	r.mu.Unlock()
}
