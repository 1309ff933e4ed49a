// Package greeter implements the length-prefixed, UTF-16BE framed
// control protocol the greeter speaks over a local Unix stream socket:
// login, information messages, and power actions, multiplexed safely
// across concurrent connections.
package greeter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/popax21/luks-stage1-sddm-go/internal/secret"
)

// Client → daemon message codes.
const (
	MsgConnect uint32 = iota
	MsgLogin
	MsgPowerOff
	MsgReboot
	MsgSuspend
	MsgHibernate
	MsgHybridSleep
)

// Daemon → client message codes.
const (
	MsgHostName uint32 = iota
	MsgCapabilities
	MsgLoginSucceeded
	MsgLoginFailed
	MsgInformationMessage
)

// Capability bits, fixed assignment per the protocol.
const (
	CapPowerOff    uint32 = 1 << 0
	CapReboot      uint32 = 1 << 1
	CapSuspend     uint32 = 1 << 2
	CapHibernate   uint32 = 1 << 3
	CapHybridSleep uint32 = 1 << 4
)

const (
	nullLength     uint32 = 0xFFFFFFFF
	extendedLength uint32 = 0xFFFFFFFE
)

// ErrProtocol marks a violation of the wire protocol: the connection
// must be closed and never resynchronized.
var ErrProtocol = errors.New("greeter: protocol error")

// ReadCode reads one big-endian uint32 message code.
func ReadCode(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteCode writes one big-endian uint32 message code.
func WriteCode(w io.Writer, code uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], code)
	_, err := w.Write(buf[:])
	return err
}

// ReadString reads one length-prefixed UTF-16BE string. The decoded
// code-unit buffer is held in a Secret and released before returning,
// since the protocol carries passwords in these frames.
func ReadString(r io.Reader) (secret.Secret, error) {
	n, err := readLength(r)
	if err != nil {
		return secret.Secret{}, err
	}
	if n == 0 {
		return secret.Secret{}, nil
	}
	if n%2 != 0 {
		return secret.Secret{}, fmt.Errorf("%w: odd string byte length %d", ErrProtocol, n)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return secret.Secret{}, err
	}
	rawSecret := secret.New(raw)
	defer rawSecret.Release()

	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}

	s, err := decodeUTF16Strict(units)
	for i := range units {
		units[i] = 0
	}
	if err != nil {
		return secret.Secret{}, err
	}

	return secret.New([]byte(s)), nil
}

func readLength(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(buf[:])

	switch n {
	case nullLength:
		return 0, nil
	case extendedLength:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, err
		}
		big := binary.BigEndian.Uint64(ext[:])
		if big > uint64(^uint32(0)) {
			return 0, fmt.Errorf("%w: string too large (%d bytes)", ErrProtocol, big)
		}
		return uint32(big), nil
	default:
		return n, nil
	}
}

// decodeUTF16Strict mirrors unicode/utf16.Decode but reports an error
// on a lone surrogate instead of silently substituting U+FFFD, as the
// protocol requires.
func decodeUTF16Strict(units []uint16) (string, error) {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u < 0xD800 || u > 0xDFFF:
			runes = append(runes, rune(u))
		case u <= 0xDBFF:
			// high surrogate; must be followed by a low surrogate
			if i+1 >= len(units) {
				return "", fmt.Errorf("%w: unpaired high surrogate", ErrProtocol)
			}
			r := utf16.DecodeRune(rune(u), rune(units[i+1]))
			if r == utf16.RuneError {
				return "", fmt.Errorf("%w: invalid surrogate pair", ErrProtocol)
			}
			runes = append(runes, r)
			i++
		default:
			return "", fmt.Errorf("%w: unpaired low surrogate", ErrProtocol)
		}
	}
	return string(runes), nil
}

// WriteString writes s as a length-prefixed UTF-16BE string, using the
// null marker for an empty string and the extended-length escape for
// payloads at or beyond the 0xFFFFFFFE boundary.
func WriteString(w io.Writer, s string) error {
	if s == "" {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], nullLength)
		_, err := w.Write(buf[:])
		return err
	}

	units := utf16.Encode([]rune(s))
	byteLen := uint64(len(units)) * 2

	if byteLen < uint64(extendedLength) {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(byteLen))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	} else {
		var buf [12]byte
		binary.BigEndian.PutUint32(buf[:4], extendedLength)
		binary.BigEndian.PutUint64(buf[4:], byteLen)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	raw := make([]byte, byteLen)
	for i, u := range units {
		binary.BigEndian.PutUint16(raw[i*2:i*2+2], u)
	}
	_, err := w.Write(raw)
	return err
}
