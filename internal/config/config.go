// Package config loads the daemon's INI configuration file: the theme
// to pass to the greeter, the set of LUKS devices this daemon is
// allowed to answer ask-password prompts for, and the greeter
// executable to launch.
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	"gopkg.in/ini.v1"
)

// ErrNoLUKSSection is returned when the config file has no
// [LUKSUnlock] section; the daemon has nothing to manage without one.
var ErrNoLUKSSection = errors.New("config: no [LUKSUnlock] section")

// DaemonConfig is the daemon's configuration, read once at startup.
type DaemonConfig struct {
	// Theme is the joined ThemeDir/Current path to pass to the
	// greeter, or "" if no theme is configured.
	Theme string

	// LUKSDevices are the canonicalized paths of the encrypted
	// devices this daemon is allowed to answer prompts for.
	LUKSDevices []string

	// GreeterPath is the greeter executable to launch.
	GreeterPath string
}

// DefaultGreeterPath is used when [Greeter].Path is absent from the
// config file; it is overridable at build time via -ldflags -X.
var DefaultGreeterPath = "sddm-greeter-qt6"

// Load reads and validates the daemon config at path.
func Load(log hclog.Logger, path string) (*DaemonConfig, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load %q: %w", path, err)
	}

	cfg := &DaemonConfig{GreeterPath: DefaultGreeterPath}

	if sec, err := f.GetSection("Theme"); err == nil {
		current := sec.Key("Current").String()
		if current != "" {
			themeDir := sec.Key("ThemeDir").String()
			if themeDir == "" {
				log.Warn("a theme was specified but ThemeDir was not set; ignoring", "theme", current)
			} else {
				cfg.Theme = filepath.Join(themeDir, current)
			}
		}
	}

	luksSec, err := f.GetSection("LUKSUnlock")
	if err != nil {
		return nil, ErrNoLUKSSection
	}
	for _, dev := range luksSec.Key("Devices").ValueWithShadows() {
		canon, err := filepath.EvalSymlinks(dev)
		if err != nil {
			log.Warn("failed to canonicalize configured LUKS device; keeping as-is", "device", dev, "error", err)
			canon = dev
		}
		cfg.LUKSDevices = append(cfg.LUKSDevices, canon)
	}

	if greeterSec, err := f.GetSection("Greeter"); err == nil {
		if p := greeterSec.Key("Path").String(); p != "" {
			cfg.GreeterPath = p
		}
	}

	return cfg, nil
}
