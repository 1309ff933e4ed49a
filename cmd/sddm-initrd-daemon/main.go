// Command sddm-initrd-daemon bridges the init system's ask-password
// agent protocol to an interactive disk-unlock greeter running in the
// initrd, and hands the unlocked credentials off to the real root
// filesystem's login manager once the pivot completes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/popax21/luks-stage1-sddm-go/internal/askpass"
	"github.com/popax21/luks-stage1-sddm-go/internal/config"
	"github.com/popax21/luks-stage1-sddm-go/internal/failsafe"
	"github.com/popax21/luks-stage1-sddm-go/internal/greeter"
	"github.com/popax21/luks-stage1-sddm-go/internal/handoff"
	"github.com/popax21/luks-stage1-sddm-go/internal/login"
	"github.com/popax21/luks-stage1-sddm-go/internal/power"
	"github.com/popax21/luks-stage1-sddm-go/internal/tty"
)

// These are baked in at build time via -ldflags -X.
var (
	transientConfigPath = "/run/sddm-initrd-autologin.conf"
	controlSocketPath   = "/run/sddm-initrd-control.sock"
)

const shutdownGrace = 2 * time.Second

func main() {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "sddm-initrd-daemon",
		Level: hclog.LevelFromString(os.Getenv("SDDM_INITRD_LOG_LEVEL")),
	})

	if len(os.Args) != 2 {
		log.Error("usage: sddm-initrd-daemon <config-path>")
		os.Exit(1)
	}

	if err := run(log, os.Args[1]); err != nil {
		log.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(log hclog.Logger, configPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic; aborting", "panic", r)
			os.Exit(2)
		}
	}()

	cfg, err := config.Load(log, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tty.Claim(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	watchdog, err := failsafe.Start(log)
	if err != nil {
		return fmt.Errorf("failed to start failsafe killswitch watchdog: %w", err)
	}

	powerClient, err := power.Connect(log)
	if err != nil {
		log.Warn("failed to connect power-action client; power actions will be unavailable", "error", err)
		powerClient = nil
	} else {
		defer powerClient.Close()
	}

	reqs, fatal, err := askpass.Listen(ctx, log)
	if err != nil {
		return fmt.Errorf("failed to start ask-password watcher: %w", err)
	}

	controller := login.New(log, cfg.LUKSDevices, askpass.Reply, powerClient)
	go controller.Pump(ctx, reqs)

	srv, err := greeter.Listen(log, controlSocketPath, controller)
	if err != nil {
		return fmt.Errorf("failed to start greeter control server: %w", err)
	}
	defer srv.Close()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	greeterCmd := exec.CommandContext(ctx, cfg.GreeterPath)
	greeterCmd.Env = append(os.Environ(), "SDDM_INITRD_CONTROL_SOCKET="+controlSocketPath)
	if cfg.Theme != "" {
		greeterCmd.Env = append(greeterCmd.Env, "SDDM_INITRD_THEME="+cfg.Theme)
	}
	greeterCmd.Stdout = os.Stdout
	greeterCmd.Stderr = os.Stderr

	if err := greeterCmd.Start(); err != nil {
		return fmt.Errorf("failed to start greeter process: %w", err)
	}
	greeterExitCh := make(chan error, 1)
	go func() { greeterExitCh <- greeterCmd.Wait() }()

	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); !ok {
		log.Debug("sd_notify readiness signal not delivered (not running under systemd?)")
	}

	var triggered <-chan struct{}
	if watchdog != nil {
		triggered = watchdog.Triggered()
	}

	var greeterErr error
	greeterExited := false

	select {
	case sig := <-sigCh:
		log.Info("received termination signal", "signal", sig)
		cancel()
	case <-triggered:
		log.Warn("failsafe killswitch engaged; aborting")
		cancel()
	case err := <-greeterExitCh:
		greeterExited = true
		greeterErr = err
		if err != nil {
			log.Error("greeter process exited with error", "error", err)
		} else {
			log.Info("greeter process exited")
		}
		cancel()
	case err := <-fatal:
		log.Error("ask-password watcher failed fatally", "error", err)
		cancel()
		return err
	case err := <-serveErrCh:
		if err != nil {
			log.Error("greeter control server failed", "error", err)
		}
		cancel()
	}

	// Cancelling ctx kills the greeter process (it was started with
	// CommandContext); wait for it to be reaped, but don't wait forever.
	if !greeterExited {
		select {
		case err := <-greeterExitCh:
			greeterErr = err
			if err != nil {
				log.Error("greeter process exited with error", "error", err)
			}
		case <-time.After(shutdownGrace):
			log.Warn("greeter process did not exit after shutdown grace period")
		}
	}

	if result := controller.Result(); result != nil {
		if err := handleHandoff(log, result); err != nil {
			log.Error("failed to complete credential handoff", "error", err)
		}
	}

	if greeterErr != nil {
		return fmt.Errorf("greeter process exited with error: %w", greeterErr)
	}

	return nil
}

func handleHandoff(log hclog.Logger, result *login.LoginRequest) error {
	defer result.Password.Release()

	keyID, err := handoff.Stash(result.Password.Bytes())
	if err != nil {
		return fmt.Errorf("failed to stash password in keyring: %w", err)
	}

	if err := handoff.WriteAutologin(transientConfigPath, *result, keyID); err != nil {
		return fmt.Errorf("failed to write transient autologin descriptor: %w", err)
	}

	log.Info("handed off credentials for successor login manager", "user", result.User)
	return nil
}
