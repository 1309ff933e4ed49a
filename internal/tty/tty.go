// Package tty claims the console as this process's controlling
// terminal and puts it into raw-ish mode (no echo, no line buffering)
// so no residual input leaks to whatever runs next.
package tty

import (
	"fmt"
	"os"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// candidatePaths lists the consoles Claim tries, in order.
var candidatePaths = []string{"/dev/tty1", "/dev/tty0", "/dev/console"}

// Claim opens the first available virtual console, makes it this
// process's controlling terminal, and disables ECHO/ICANON. Failure at
// any step is logged and non-fatal: the daemon can still run without a
// claimed console, just with a worse user experience.
func Claim(log hclog.Logger) {
	log = log.Named("tty")

	var f *os.File
	var path string
	for _, p := range candidatePaths {
		var err error
		f, err = os.OpenFile(p, os.O_RDWR, 0)
		if err == nil {
			path = p
			break
		}
	}
	if f == nil {
		log.Warn("failed to open any virtual console", "candidates", candidatePaths)
		return
	}
	defer f.Close()

	fd := int(f.Fd())

	if err := unix.IoctlSetInt(fd, unix.TIOCSCTTY, 0); err != nil {
		log.Warn("failed to claim controlling tty", "path", path, "error", err)
		return
	}

	if err := disableEchoAndCanon(fd); err != nil {
		log.Warn("failed to disable echo/canonical mode", "path", path, "error", err)
		return
	}

	log.Info("claimed controlling tty", "path", path)
}

func disableEchoAndCanon(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgetattr: %w", err)
	}

	t.Lflag &^= unix.ECHO | unix.ICANON

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("tcsetattr: %w", err)
	}
	return nil
}
