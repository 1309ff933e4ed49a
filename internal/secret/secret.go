// Package secret holds password-bearing byte buffers that must be
// overwritten before they are released, mirroring the zero-on-drop
// containers the Rust original wraps every password and decoded UTF-16
// buffer in. Go has no destructors, so callers must call Release
// explicitly once the value is no longer needed.
package secret

// Secret is a byte buffer that is zeroed on Release. It is not safe for
// concurrent use without external synchronization.
type Secret struct {
	b []byte
}

// New takes ownership of b; the caller must not touch b again.
func New(b []byte) Secret {
	return Secret{b: b}
}

// FromString copies s into a fresh buffer.
func FromString(s string) Secret {
	return New([]byte(s))
}

// Bytes returns the underlying buffer. It is only valid until Release.
func (s Secret) Bytes() []byte {
	return s.b
}

// String returns a copy of the underlying buffer as a string. The copy
// does not share memory with the buffer, so Release does not zero it.
func (s Secret) String() string {
	return string(s.b)
}

// Len reports the length of the underlying buffer.
func (s Secret) Len() int {
	return len(s.b)
}

// Clone copies the secret into a new, independently-released buffer.
func (s Secret) Clone() Secret {
	cp := make([]byte, len(s.b))
	copy(cp, s.b)
	return Secret{b: cp}
}

// Release overwrites the backing buffer with zeroes. Safe to call more
// than once, and safe to call on the zero value.
func (s Secret) Release() {
	for i := range s.b {
		s.b[i] = 0
	}
}
