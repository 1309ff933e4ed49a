package handoff

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	hclog "github.com/hashicorp/go-hclog"
)

// RekeyReport collects the per-device outcome of a password change, so
// the caller can tell the user exactly which volumes desynchronized
// instead of aborting on the first failure.
type RekeyReport struct {
	Failed map[string]error
}

// OK reports whether every device rekeyed successfully.
func (r RekeyReport) OK() bool {
	return len(r.Failed) == 0
}

// Rekey runs "cryptsetup luksChangeKey" against every device, answering
// its interactive prompts over stdin. A single device's failure is
// recorded in the report and does not stop the remaining devices from
// being attempted.
func Rekey(ctx context.Context, log hclog.Logger, devices []string, oldPassword, newPassword []byte) RekeyReport {
	log = log.Named("rekey")
	report := RekeyReport{Failed: make(map[string]error)}

	for _, dev := range devices {
		if err := rekeyOne(ctx, dev, oldPassword, newPassword); err != nil {
			log.Error("failed to rekey LUKS device", "device", dev, "error", err)
			report.Failed[dev] = err
			continue
		}
		log.Info("rekeyed LUKS device", "device", dev)
	}

	return report
}

func rekeyOne(ctx context.Context, device string, oldPassword, newPassword []byte) error {
	cmd := exec.CommandContext(ctx, "cryptsetup", "luksChangeKey", device)

	// luksChangeKey has no flag for the new key; run non-interactively
	// it still prompts in order over stdin: the existing passphrase,
	// then the new one, then the new one again for verification.
	var stdin bytes.Buffer
	stdin.Write(oldPassword)
	stdin.WriteByte('\n')
	stdin.Write(newPassword)
	stdin.WriteByte('\n')
	stdin.Write(newPassword)
	stdin.WriteByte('\n')
	cmd.Stdin = &stdin

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cryptsetup luksChangeKey failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}
