package auth

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Conn frames every Write as length(4) | nonce(12) | ciphertext and decrypts
// frames on Read. Nonces are a per-direction counter.
type Conn struct {
	net.Conn
	r    io.Reader
	aead cipher.AEAD

	wmu     sync.Mutex
	sendCtr uint64

	rmu     sync.Mutex
	recvBuf bytes.Buffer
}

const maxFrameSize = 2 * 1024 * 1024

// WrapConn encrypts conn with sessionKey.
func WrapConn(conn net.Conn, sessionKey []byte) (net.Conn, error) {
	return wrap(conn, conn, sessionKey)
}

func wrap(conn net.Conn, r io.Reader, sessionKey []byte) (net.Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, r: r, aead: aead}, nil
}

func (s *Conn) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	frame := make([]byte, 4+chacha20poly1305.NonceSize, 4+chacha20poly1305.NonceSize+len(p)+s.aead.Overhead())
	nonce := frame[4 : 4+chacha20poly1305.NonceSize]
	binary.BigEndian.PutUint64(nonce[4:], s.sendCtr)
	s.sendCtr++

	frame = s.aead.Seal(frame, nonce, p, nil)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))
	if _, err := s.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Conn) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for s.recvBuf.Len() == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length < chacha20poly1305.NonceSize || length > maxFrameSize {
			return 0, fmt.Errorf("encrypted frame of %d bytes: %w", length, io.ErrUnexpectedEOF)
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(s.r, frame); err != nil {
			return 0, err
		}
		pt, err := s.aead.Open(nil, frame[:chacha20poly1305.NonceSize], frame[chacha20poly1305.NonceSize:], nil)
		if err != nil {
			return 0, err
		}
		s.recvBuf.Write(pt)
	}
	return s.recvBuf.Read(p)
}
