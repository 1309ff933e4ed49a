// Package askpass bridges the init system's ask-password agent
// protocol (https://systemd.io/PASSWORD_AGENTS/) to a channel of
// PasswordRequest values, and invokes the external reply helper that
// answers them.
package askpass

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	hclog "github.com/hashicorp/go-hclog"
	"gopkg.in/ini.v1"
)

// RequestsDir is where systemd drops ask-password descriptor files.
const RequestsDir = "/run/systemd/ask-password/"

// PasswordRequest is an immutable, once-parsed ask-password descriptor.
type PasswordRequest struct {
	// ID is the opaque request id, often "cryptsetup:<devpath>".
	ID string
	// Message is an optional human-readable prompt message.
	Message string
	// SocketPath is where the reply must be delivered, via the
	// external reply helper.
	SocketPath string
}

func (r PasswordRequest) String() string {
	return fmt.Sprintf("PasswordRequest{id=%q}", r.ID)
}

// Listen watches RequestsDir and sends a PasswordRequest on the
// returned channel for every ask.* file that parses successfully. The
// channel is closed when ctx is cancelled. A directory-watcher I/O
// error is unrecoverable and is reported on the returned error channel
// before the request channel closes; the error channel itself is never
// closed.
func Listen(ctx context.Context, log hclog.Logger) (<-chan PasswordRequest, <-chan error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("askpass: failed to create watcher: %w", err)
	}
	if err := watcher.Add(RequestsDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("askpass: failed to watch %q: %w", RequestsDir, err)
	}

	reqs := make(chan PasswordRequest)
	fatal := make(chan error, 1)

	go func() {
		defer watcher.Close()
		defer close(reqs)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				handleEvent(log, ev.Name, reqs, ctx.Done())

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case fatal <- fmt.Errorf("askpass: directory watcher error: %w", err):
				default:
				}
				return
			}
		}
	}()

	return reqs, fatal, nil
}

func handleEvent(log hclog.Logger, path string, reqs chan<- PasswordRequest, done <-chan struct{}) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "ask.") {
		return
	}

	if _, err := os.Stat(path); err != nil {
		// Vanished between the fsnotify event and this check; some
		// other agent raced us. Silently skip, no retry.
		return
	}

	req, err := parseRequest(path)
	if err != nil {
		log.Info("failed to parse ask-password request; skipping", "path", path, "error", err)
		return
	}

	select {
	case reqs <- req:
	case <-done:
	}
}

func parseRequest(path string) (PasswordRequest, error) {
	f, err := ini.Load(path)
	if err != nil {
		// The file may have vanished between the existence check and
		// this read (e.g. another agent already consumed it); the caller
		// logs this like any other parse error and does not retry.
		return PasswordRequest{}, err
	}

	sec, err := f.GetSection("Ask")
	if err != nil {
		return PasswordRequest{}, fmt.Errorf("no [Ask] section")
	}

	socket := sec.Key("Socket").String()
	if socket == "" {
		return PasswordRequest{}, fmt.Errorf("no Socket property")
	}

	return PasswordRequest{
		ID:         sec.Key("Id").String(),
		Message:    sec.Key("Message").String(),
		SocketPath: socket,
	}, nil
}
