package power

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// rawClient speaks just enough of the D-Bus wire protocol to call
// org.freedesktop.systemd1.Manager methods over systemd's private
// control socket. It intentionally avoids github.com/godbus/dbus/v5's
// high-level Conn: that socket skips the bus-daemon handshake systemd
// performs on the session/system bus, and its replies are not fully
// header-spec-compliant, so a fully conformant client rejects them.
// This mirrors original_source/power_actions.rs's hand-rolled
// DBusClient, one layer below zbus's Connection.
type rawClient struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	serial uint32
}

const methodCall byte = 1

// dialPrivate connects to systemd's private control socket (or a
// fallback path, see power.go) and performs the minimal AUTH EXTERNAL
// + BEGIN handshake systemd's private endpoint expects.
func dialPrivate(path string) (*rawClient, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("power: failed to connect to %q: %w", path, err)
	}

	if _, err := conn.Write([]byte("\x00AUTH EXTERNAL 30\r\nBEGIN\r\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("power: failed to send AUTH handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	reply, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("power: failed to read AUTH reply: %w", err)
	}
	if !strings.HasPrefix(reply, "OK") {
		conn.Close()
		return nil, fmt.Errorf("power: authentication failed: %q", strings.TrimSpace(reply))
	}

	return &rawClient{conn: conn, reader: reader}, nil
}

func (c *rawClient) Close() error {
	return c.conn.Close()
}

// call sends a METHOD_CALL for dest/path/iface/member with the given
// string arguments and returns the raw, un-typed body of the first
// METHOD_RETURN or ERROR reply seen. Per the spec's protocol quirk, it
// deliberately does not attempt to deserialize the reply header beyond
// the one field it needs (the message type byte); everything else in
// the header array is skipped over unparsed.
func (c *rawClient) call(dest string, path dbus.ObjectPath, iface, member string, args ...string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.serial++
	serial := c.serial

	msg := encodeMethodCall(serial, dest, path, iface, member, args)
	if _, err := c.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("power: failed to send method call: %w", err)
	}

	for {
		typ, body, err := readMessage(c.reader)
		if err != nil {
			return nil, fmt.Errorf("power: failed to read reply: %w", err)
		}

		switch typ {
		case 2: // METHOD_RETURN
			return body, nil
		case 3: // ERROR
			return nil, fmt.Errorf("power: D-Bus error reply: %s", decodeFirstString(body))
		default:
			// signal or another call's reply interleaved; systemd's
			// private socket is only ever driven by one client at a
			// time from this process (callers hold c.mu), so this is
			// not expected, but keep reading rather than erroring.
			continue
		}
	}
}

func pad(n, align int) int {
	rem := n % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

func appendPadding(b []byte, align int) []byte {
	for i := 0; i < pad(len(b), align); i++ {
		b = append(b, 0)
	}
	return b
}

func appendString(b []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	b = append(b, lenBuf[:]...)
	b = append(b, s...)
	b = append(b, 0)
	return appendPadding(b, 4)
}

func appendObjectPath(b []byte, p dbus.ObjectPath) []byte {
	return appendString(b, string(p))
}

func appendSignature(b []byte, sig string) []byte {
	b = append(b, byte(len(sig)))
	b = append(b, sig...)
	b = append(b, 0)
	return b
}

// encodeMethodCall builds a complete little-endian METHOD_CALL frame:
// fixed header, header field array (each element 8-byte aligned per
// the D-Bus struct alignment rule), and a body made only of STRING
// arguments (all we need for LoadUnit, StartUnit and the
// Properties.Get call).
func encodeMethodCall(serial uint32, dest string, path dbus.ObjectPath, iface, member string, args []string) []byte {
	var body []byte
	for _, a := range args {
		body = appendString(body, a)
	}

	sig := strings.Repeat("s", len(args))

	var headers []byte
	headers = appendHeaderField(headers, 1, "o", func(b []byte) []byte { return appendObjectPath(b, path) })
	headers = appendHeaderField(headers, 2, "s", func(b []byte) []byte { return appendString(b, iface) })
	headers = appendHeaderField(headers, 3, "s", func(b []byte) []byte { return appendString(b, member) })
	headers = appendHeaderField(headers, 6, "s", func(b []byte) []byte { return appendString(b, dest) })
	if sig != "" {
		headers = appendHeaderField(headers, 8, "g", func(b []byte) []byte { return appendSignature(b, sig) })
	}

	out := make([]byte, 0, 16+len(headers)+8+len(body))
	out = append(out, 'l')         // little-endian
	out = append(out, methodCall)  // message type
	out = append(out, 0)           // flags
	out = append(out, 1)           // protocol version

	var bodyLenBuf, serialBuf, arrLenBuf [4]byte
	binary.LittleEndian.PutUint32(bodyLenBuf[:], uint32(len(body)))
	binary.LittleEndian.PutUint32(serialBuf[:], serial)
	binary.LittleEndian.PutUint32(arrLenBuf[:], uint32(len(headers)))

	out = append(out, bodyLenBuf[:]...)
	out = append(out, serialBuf[:]...)
	out = append(out, arrLenBuf[:]...)
	out = append(out, headers...)
	out = appendPadding(out, 8)
	out = append(out, body...)

	return out
}

// appendHeaderField appends one (BYTE code, VARIANT value) struct to
// the header field array, realigning to the struct's 8-byte boundary
// first as the D-Bus wire format requires for every array element.
func appendHeaderField(b []byte, code byte, sig string, encodeValue func([]byte) []byte) []byte {
	b = appendPadding(b, 8)
	b = append(b, code)
	b = appendSignature(b, sig)
	b = encodeValue(b)
	return b
}

// readMessage reads one complete message from r and returns its type
// byte and raw body bytes, skipping over the header field array
// without interpreting it (beyond its length, needed to find the
// body).
func readMessage(r *bufio.Reader) (byte, []byte, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return 0, nil, err
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if fixed[0] == 'B' {
		order = binary.BigEndian
	}

	typ := fixed[1]
	bodyLen := order.Uint32(fixed[4:8])
	headerArrayLen := order.Uint32(fixed[12:16])

	headerBytes := int(headerArrayLen)
	headerBytes += pad(16+headerBytes, 8)

	if _, err := io.CopyN(io.Discard, r, int64(headerBytes)); err != nil {
		return 0, nil, err
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	return typ, body, nil
}

// decodeFirstString reads the first STRING-shaped value out of a raw
// body buffer, best-effort, for error-message reporting only.
func decodeFirstString(body []byte) string {
	if len(body) < 4 {
		return ""
	}
	n := binary.LittleEndian.Uint32(body[:4])
	if len(body) < int(4+n) {
		return ""
	}
	return string(body[4 : 4+n])
}

// decodeBool extracts a boolean from a VARIANT-wrapped body, as
// returned by org.freedesktop.DBus.Properties.Get. The variant is
// SIGNATURE("b") followed by a 4-byte-aligned uint32 0/1.
func decodeBool(body []byte) (bool, error) {
	if len(body) < 1 {
		return false, fmt.Errorf("power: empty variant body")
	}
	sigLen := int(body[0])
	off := 1 + sigLen + 1 // length byte, signature bytes, NUL
	off += pad(off, 4)
	if len(body) < off+4 {
		return false, fmt.Errorf("power: truncated variant body")
	}
	v := binary.LittleEndian.Uint32(body[off : off+4])
	return v != 0, nil
}

// decodeObjectPath extracts the single OBJECT_PATH in a body such as
// LoadUnit's or StartUnit's return value.
func decodeObjectPath(body []byte) (dbus.ObjectPath, error) {
	if len(body) < 4 {
		return "", fmt.Errorf("power: empty object path body")
	}
	n := binary.LittleEndian.Uint32(body[:4])
	if len(body) < int(4+n) {
		return "", fmt.Errorf("power: truncated object path body")
	}
	return dbus.ObjectPath(body[4 : 4+n]), nil
}
