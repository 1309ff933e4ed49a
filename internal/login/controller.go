// Package login implements the state machine that turns a stream of
// queued unlock prompts into a single login attempt: answering prompts
// in order, detecting a wrong-password re-post, and surfacing status
// messages back to the greeter.
package login

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/popax21/luks-stage1-sddm-go/internal/askpass"
	"github.com/popax21/luks-stage1-sddm-go/internal/power"
	"github.com/popax21/luks-stage1-sddm-go/internal/secret"
)

const managedIDPrefix = "cryptsetup:"

// ManagedRequest is a PasswordRequest this daemon is responsible for
// answering: its id names one of the configured LUKS devices.
type ManagedRequest struct {
	askpass.PasswordRequest
}

// LoginRequest is the success artifact captured once the surrounding
// program closes the prompt queue during a successful attempt.
type LoginRequest struct {
	User     string
	Password secret.Secret
	Session  string
}

// Replier answers a single ManagedRequest, either with a password or a
// decline. It is satisfied by askpass.Reply.
type Replier func(ctx context.Context, req askpass.PasswordRequest, password *secret.Secret) error

// Controller is the shared Login Controller: one mutex-guarded state
// machine driven by every greeter connection and fed by the prompt
// watcher.
type Controller struct {
	log     hclog.Logger
	reply   Replier
	power   *power.Client
	devices map[string]struct{}

	queue chan ManagedRequest

	mu           sync.Mutex
	pending      *ManagedRequest
	processedIDs map[string]struct{}
	result       *LoginRequest
}

// New builds a Controller for the given set of canonicalized LUKS
// device paths. powerClient may be nil, in which case every power
// action reports as unavailable.
func New(log hclog.Logger, canonicalDevices []string, reply Replier, powerClient *power.Client) *Controller {
	devices := make(map[string]struct{}, len(canonicalDevices))
	for _, d := range canonicalDevices {
		devices[d] = struct{}{}
	}

	return &Controller{
		log:          log.Named("login"),
		reply:        reply,
		power:        powerClient,
		devices:      devices,
		queue:        make(chan ManagedRequest),
		processedIDs: make(map[string]struct{}),
	}
}

// Pump filters incoming PasswordRequests from the prompt watcher into
// ManagedRequests and feeds the controller's internal queue. It runs
// until in is closed, at which point it closes the queue — the signal
// that no more prompts will come, and thus (per the Login algorithm)
// that the surrounding program observed every managed volume unlocked.
func (c *Controller) Pump(ctx context.Context, in <-chan askpass.PasswordRequest) {
	defer close(c.queue)

	for {
		select {
		case req, ok := <-in:
			if !ok {
				return
			}
			managed, ok := c.classify(req)
			if !ok {
				c.log.Info("discarding unmanaged ask-password request", "id", req.ID)
				continue
			}
			select {
			case c.queue <- managed:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) classify(req askpass.PasswordRequest) (ManagedRequest, bool) {
	if !strings.HasPrefix(req.ID, managedIDPrefix) {
		return ManagedRequest{}, false
	}
	devPath := strings.TrimPrefix(req.ID, managedIDPrefix)

	canonical, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		canonical = devPath
	}

	if _, ok := c.devices[canonical]; !ok {
		return ManagedRequest{}, false
	}
	return ManagedRequest{PasswordRequest: req}, true
}

// Login runs one full login attempt. It blocks until the attempt
// either fails (wrong password detected) or succeeds (the queue was
// closed), reporting a failed unlock via info. Only one
// call across all callers is ever inside this method's critical
// section at a time.
func (c *Controller) Login(ctx context.Context, user string, password secret.Secret, session string, info func(string)) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		var req ManagedRequest
		if c.pending != nil {
			req = *c.pending
			c.pending = nil
		} else {
			select {
			case r, ok := <-c.queue:
				if !ok {
					c.result = &LoginRequest{User: user, Password: password.Clone(), Session: session}
					return true, nil
				}
				req = r
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		if _, already := c.processedIDs[req.ID]; already {
			info(fmt.Sprintf("failed to unlock %s", req.ID))
			c.processedIDs = make(map[string]struct{})
			c.pending = &req
			return false, nil
		}
		c.processedIDs[req.ID] = struct{}{}

		pw := password.Clone()
		if err := c.reply(ctx, req.PasswordRequest, &pw); err != nil {
			if errors.Is(err, askpass.ErrSocketVanished) {
				c.log.Info("reply socket vanished; someone else already answered", "id", req.ID)
			} else {
				c.log.Warn("failed to deliver unlock reply", "id", req.ID, "error", err)
			}
		}
	}
}

// Result returns the LoginRequest captured by the most recent
// successful attempt, if any.
func (c *Controller) Result() *LoginRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// CanPerform reports whether the underlying power client can perform act.
func (c *Controller) CanPerform(act power.Action) bool {
	if c.power == nil {
		return false
	}
	return c.power.CanPerform(act)
}

// Perform forwards act to the underlying power client, if any.
func (c *Controller) Perform(act power.Action) {
	if c.power == nil {
		c.log.Warn("power action requested but no power client is connected", "action", act)
		return
	}
	c.power.Perform(act)
}
