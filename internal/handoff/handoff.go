// Package handoff stashes the unlocked password in the kernel keyring
// and writes the transient descriptor the companion PAM hook reads
// after pivoting into the real root filesystem, so the successor login
// manager never has to prompt again.
package handoff

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/popax21/luks-stage1-sddm-go/internal/login"
)

const (
	keyDescription = "luks-initrd-sddm-unlock-pw"
	keyExpirySecs  = 60
)

// Keyring permission bits from linux/keyctl.h; golang.org/x/sys/unix
// wraps the add_key/keyctl syscalls themselves but not these constants.
const (
	keyPosAll     = 0x3f000000
	keyPosView    = 0x01000000
	keyPosRead    = 0x02000000
	keyPosSetattr = 0x20000000
	keyUsrView    = 0x00010000
	keyUsrRead    = 0x00020000
	keyUsrSetattr = 0x00200000
)

// Stash adds the password to the process keyring, restricts its
// permissions, sets a belt-and-braces expiry in case the handoff
// consumer never runs, and links it into the per-user keyring so the
// companion PAM hook (running as a different process, after pivot) can
// find it.
func Stash(password []byte) (keyID int32, err error) {
	id, err := unix.AddKey("user", keyDescription, password, unix.KEY_SPEC_PROCESS_KEYRING)
	if err != nil {
		return 0, fmt.Errorf("handoff: add_key failed: %w", err)
	}

	perm := uintptr(keyPosAll | keyUsrView | keyUsrRead | keyUsrSetattr)
	if _, err := unix.KeyctlInt(unix.KEYCTL_SETPERM, id, int(perm), 0, 0); err != nil {
		return 0, fmt.Errorf("handoff: keyctl setperm failed: %w", err)
	}

	if _, err := unix.KeyctlInt(unix.KEYCTL_SET_TIMEOUT, id, keyExpirySecs, 0, 0); err != nil {
		return 0, fmt.Errorf("handoff: keyctl set_timeout failed: %w", err)
	}

	if _, err := unix.KeyctlInt(unix.KEYCTL_LINK, id, unix.KEY_SPEC_USER_KEYRING, 0, 0); err != nil {
		return 0, fmt.Errorf("handoff: keyctl link failed: %w", err)
	}

	return int32(id), nil
}

// WriteAutologin atomically creates the transient descriptor the
// companion PAM hook consumes, at the build-time-baked path.
func WriteAutologin(path string, req login.LoginRequest, keyID int32) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".autologin-*.tmp")
	if err != nil {
		return fmt.Errorf("handoff: failed to create transient descriptor: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	content := fmt.Sprintf("[Autologin]\nUser=%s\nPasswordKey=%d\nSession=%s\n",
		req.User, keyID, filepath.Base(req.Session))

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("handoff: failed to write transient descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("handoff: failed to close transient descriptor: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("handoff: failed to publish transient descriptor: %w", err)
	}
	return nil
}
