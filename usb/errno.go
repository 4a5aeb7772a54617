package usb

import (
	"errors"
	"fmt"
)

// Errno is a Linux errno value. Host transports return it so the server can
// put -errno into RET_SUBMIT.status.
type Errno int32

const (
	ENOENT     Errno = 2
	EINTR      Errno = 4
	EIO        Errno = 5
	ENOMEM     Errno = 12
	EACCES     Errno = 13
	EBUSY      Errno = 16
	ENODEV     Errno = 19
	EINVAL     Errno = 22
	EPIPE      Errno = 32
	EOVERFLOW  Errno = 75
	EOPNOTSUPP Errno = 95
	ECONNRESET Errno = 104
	ETIMEDOUT  Errno = 110
	EREMOTEIO  Errno = 121
)

var errnoNames = map[Errno]string{
	ENOENT:     "ENOENT",
	EINTR:      "EINTR",
	EIO:        "EIO",
	ENOMEM:     "ENOMEM",
	EACCES:     "EACCES",
	EBUSY:      "EBUSY",
	ENODEV:     "ENODEV",
	EINVAL:     "EINVAL",
	EPIPE:      "EPIPE",
	EOVERFLOW:  "EOVERFLOW",
	EOPNOTSUPP: "EOPNOTSUPP",
	ECONNRESET: "ECONNRESET",
	ETIMEDOUT:  "ETIMEDOUT",
	EREMOTEIO:  "EREMOTEIO",
}

func (e Errno) Error() string {
	if n, ok := errnoNames[e]; ok {
		return n
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Status is the negative URB status for e.
func (e Errno) Status() int32 { return -int32(e) }

// StatusOf converts an error to a negative URB status. Errors that carry no
// Errno map to -EIO; nil maps to 0.
func StatusOf(err error) int32 {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e.Status()
	}
	return EIO.Status()
}
