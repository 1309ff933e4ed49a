package askpass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/popax21/luks-stage1-sddm-go/internal/secret"
)

// ErrSocketVanished is returned by Reply when the reply socket no
// longer exists: someone else already answered the request. This is
// benign and should be logged at info, not treated as an error.
var ErrSocketVanished = errors.New("askpass: reply socket vanished")

// HelperPath is the path to the setuid reply helper, baked in at build
// time via -ldflags -X.
var HelperPath = "/usr/lib/sddm-initrd/ask-password-reply"

// Reply answers req via the external setuid reply helper. password is
// nil to decline the request. The reply socket is never opened
// directly by this process, since it may require the elevated
// credentials only the helper's setuid bit confers.
func Reply(ctx context.Context, req PasswordRequest, password *secret.Secret) error {
	accept := "0"
	if password != nil {
		accept = "1"
	}

	cmd := exec.CommandContext(ctx, HelperPath, accept, req.SocketPath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if password != nil {
		stdin := append(append([]byte(nil), password.Bytes()...), '\n')
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		if socketVanished(stderr.String()) {
			return ErrSocketVanished
		}
		return fmt.Errorf("askpass: reply helper failed: %w (stderr: %s)", err, stderr.String())
	}

	return nil
}

// socketVanished recognizes the helper's report that the reply socket
// no longer exists (ENOENT on connect), which is a benign race with
// another agent having already answered the same request.
func socketVanished(stderr string) bool {
	return strings.Contains(stderr, "no such file or directory") ||
		strings.Contains(stderr, "ENOENT") ||
		strings.Contains(stderr, "connection refused")
}
