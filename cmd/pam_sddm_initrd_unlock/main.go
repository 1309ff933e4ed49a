// Command pam_sddm_initrd_unlock is the successor login manager's
// companion hook: it reads the transient descriptor the initrd daemon
// wrote, matches the requesting user, consumes the descriptor and its
// keyring entry exactly once, and prints the recovered password to
// stdout for a thin PAM shim to install as the authentication token.
//
// Any failure downgrades to "unknown user" (no output, non-zero exit)
// so normal interactive prompting takes over. Failures are logged only
// at debug level, below the stderr logger's Info threshold, so a
// failed handoff prints nothing.
package main

import (
	"fmt"
	"os"
	"strconv"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
	"gopkg.in/ini.v1"
)

// TransientConfigPath is baked in at build time via -ldflags -X, and
// must match the daemon's own build-time constant.
var TransientConfigPath = "/run/sddm-initrd-autologin.conf"

const maxPasswordSize = 0x1000

func main() {
	log := hclog.New(&hclog.LoggerOptions{
		Name:       "pam_sddm_initrd_unlock",
		Level:      hclog.Info,
		Output:     os.Stderr,
		JSONFormat: false,
	})

	if len(os.Args) != 2 {
		log.Debug("usage: pam_sddm_initrd_unlock <requesting-user>")
		os.Exit(1)
	}

	password, err := recoverPassword(log, os.Args[1])
	if err != nil {
		log.Debug("not handing off; falling back to interactive authentication", "error", err)
		os.Exit(1)
	}

	os.Stdout.Write(password)
}

type descriptor struct {
	user  string
	keyID int
}

func parseDescriptor(path string) (descriptor, error) {
	f, err := ini.Load(path)
	if err != nil {
		return descriptor{}, fmt.Errorf("failed to read transient descriptor: %w", err)
	}

	sec, err := f.GetSection("Autologin")
	if err != nil {
		return descriptor{}, fmt.Errorf("malformed transient descriptor: no [Autologin] section")
	}

	user := sec.Key("User").String()
	keyID, err := strconv.Atoi(sec.Key("PasswordKey").String())
	if err != nil {
		return descriptor{}, fmt.Errorf("malformed transient descriptor: bad PasswordKey: %w", err)
	}

	return descriptor{user: user, keyID: keyID}, nil
}

func recoverPassword(log hclog.Logger, requestingUser string) ([]byte, error) {
	d, err := parseDescriptor(TransientConfigPath)
	if err != nil {
		return nil, err
	}

	if d.user != requestingUser {
		return nil, fmt.Errorf("descriptor is for %q, not requesting user %q", d.user, requestingUser)
	}
	keyID := d.keyID

	// This is a one-shot: whether or not the rest of the handoff
	// succeeds, the descriptor must not be usable a second time.
	if err := os.Remove(TransientConfigPath); err != nil {
		return nil, fmt.Errorf("failed to remove transient descriptor: %w", err)
	}

	buf := make([]byte, maxPasswordSize)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, keyID, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring entry %d: %w", keyID, err)
	}
	password := buf[:n]

	if _, err := unix.KeyctlInt(unix.KEYCTL_REVOKE, keyID, 0, 0, 0); err != nil {
		log.Debug("failed to revoke keyring entry", "keyID", keyID, "error", err)
	}

	log.Info("handing off initrd LUKS unlock login request", "user", requestingUser)
	return password, nil
}
