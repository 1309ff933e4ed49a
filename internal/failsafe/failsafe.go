// Package failsafe runs an independent killswitch watchdog: a
// dedicated OS thread polls raw keyboard devices for an abort gesture
// so a user can always force the daemon to give up, even if the rest
// of the program is wedged on a blocking call.
package failsafe

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	hclog "github.com/hashicorp/go-hclog"
	evdev "github.com/gvalkov/golang-evdev"
)

const (
	evKey = 0x01
	evRep = 0x14

	keyESC        = 1
	keyLeftCtrl   = 29
	keyRightCtrl  = 97
	keyLeftShift  = 42
	keyRightShift = 54
)

var modifierKeys = []int{keyLeftShift, keyLeftCtrl, keyRightShift, keyRightCtrl}

const (
	pollAttempts = 25
	pollInterval = 200 * time.Millisecond
	scanInterval = 100 * time.Millisecond
	abortGrace   = 3 * time.Second
)

// Watchdog watches for the killswitch gesture on every keyboard-like
// evdev device and signals Triggered once it fires.
type Watchdog struct {
	log       hclog.Logger
	triggered chan struct{}
}

// Start waits (bounded) for /dev/input to appear, refuses to start if
// any keyboard already has Escape held (a killswitch engaged before we
// could even begin is treated as fatal), then launches the dedicated
// polling thread. The returned Watchdog's Triggered channel fires
// exactly once, when the gesture is observed.
func Start(log hclog.Logger) (*Watchdog, error) {
	log = log.Named("failsafe")

	for attempt := 0; ; attempt++ {
		if _, err := os.Stat("/dev/input"); err == nil {
			break
		}
		if attempt >= pollAttempts {
			return nil, fmt.Errorf("failsafe: /dev/input did not appear")
		}
		time.Sleep(pollInterval)
	}

	known := map[evdev.InputID]struct{}{}
	devices, err := enumerateKeyboards()
	if err != nil {
		return nil, fmt.Errorf("failsafe: failed to enumerate keyboards: %w", err)
	}
	for _, dev := range devices {
		state, err := keyState(dev)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("failsafe: failed to read key state from %s: %w", dev.Fn, err)
		}
		log.Info("using evdev device for failsafe killswitch", "name", dev.Name, "path", dev.Fn)

		if state[keyESC] {
			dev.Close()
			return nil, fmt.Errorf("failsafe: killswitch already engaged at startup")
		}
		known[dev.ID] = struct{}{}
		dev.Close()
	}
	if len(known) == 0 {
		return nil, fmt.Errorf("failsafe: no keyboard evdev devices available")
	}

	w := &Watchdog{log: log, triggered: make(chan struct{}, 1)}
	go w.run(known)
	return w, nil
}

// Triggered fires exactly once, when the killswitch gesture is seen.
func (w *Watchdog) Triggered() <-chan struct{} {
	return w.triggered
}

func (w *Watchdog) run(known map[evdev.InputID]struct{}) {
	// Pinned to its own OS thread: this loop must keep polling even if
	// every goroutine on the main thread is blocked on a wedged syscall.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		devices, err := enumerateKeyboards()
		if err != nil {
			w.log.Error("failed to enumerate keyboards", "error", err)
			time.Sleep(scanInterval)
			continue
		}

		triggered := false
		for _, dev := range devices {
			state, err := keyState(dev)
			if err != nil {
				dev.Close()
				continue
			}

			if _, seen := known[dev.ID]; !seen {
				known[dev.ID] = struct{}{}
				w.log.Info("using evdev device for failsafe killswitch", "name", dev.Name, "path", dev.Fn)
				if state[keyESC] {
					triggered = true
				}
			} else if state[keyESC] && anyModifierHeld(state) {
				triggered = true
			}
			dev.Close()

			if triggered {
				break
			}
		}

		if triggered {
			w.log.Warn("failsafe killswitch engaged; forcing process exit")
			w.triggered <- struct{}{}
			time.Sleep(abortGrace)
			syscall.Kill(os.Getpid(), syscall.SIGKILL)
			return
		}

		time.Sleep(scanInterval)
	}
}

func anyModifierHeld(state map[int]bool) bool {
	for _, m := range modifierKeys {
		if state[m] {
			return true
		}
	}
	return false
}

func enumerateKeyboards() ([]*evdev.InputDevice, error) {
	all, err := evdev.ListInputDevices("/dev/input/event*")
	if err != nil {
		return nil, err
	}

	var keyboards []*evdev.InputDevice
	for _, dev := range all {
		if isKeyboard(dev) {
			keyboards = append(keyboards, dev)
		} else {
			dev.Close()
		}
	}
	return keyboards, nil
}

func isKeyboard(dev *evdev.InputDevice) bool {
	keyCodes, ok := dev.Capabilities[evdev.CapabilityType{Type: evKey, Name: "EV_KEY"}]
	if !ok {
		return false
	}
	if _, ok := dev.Capabilities[evdev.CapabilityType{Type: evRep, Name: "EV_REP"}]; !ok {
		return false
	}

	hasESC, hasMod := false, false
	for _, code := range keyCodes {
		if code.Code == keyESC {
			hasESC = true
		}
		for _, m := range modifierKeys {
			if code.Code == m {
				hasMod = true
			}
		}
	}
	return hasESC && hasMod
}

// keyState reads the kernel's EVIOCGKEY key-state bitmap for dev and
// returns it as a set of currently-held key codes.
func keyState(dev *evdev.InputDevice) (map[int]bool, error) {
	const keyMapBytes = (0x300 + 7) / 8 // KEY_CNT (KEY_MAX+1) from input-event-codes.h, rounded up to bytes

	var bitmap [keyMapBytes]byte
	if err := ioctlEVIOCGKEY(dev.File.Fd(), bitmap[:]); err != nil {
		return nil, err
	}

	state := make(map[int]bool)
	for code := 0; code < keyMapBytes*8; code++ {
		if bitmap[code/8]&(1<<(uint(code)%8)) != 0 {
			state[code] = true
		}
	}
	return state, nil
}

// EVIOCGKEY(len) per Linux's _IOC(_IOC_READ, 'E', 0x18, len) encoding.
func eviocgkey(size int) uintptr {
	const iocRead = 2
	return uintptr(iocRead<<30 | int('E')<<8 | 0x18 | size<<16)
}

func ioctlEVIOCGKEY(fd uintptr, buf []byte) error {
	req := eviocgkey(len(buf))
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
