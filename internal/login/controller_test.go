package login

import (
	"context"
	"sync"
	"testing"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/popax21/luks-stage1-sddm-go/internal/askpass"
	"github.com/popax21/luks-stage1-sddm-go/internal/secret"
)

func newTestController(t *testing.T, replies *[]string) *Controller {
	t.Helper()
	var mu sync.Mutex
	replier := func(ctx context.Context, req askpass.PasswordRequest, password *secret.Secret) error {
		mu.Lock()
		defer mu.Unlock()
		*replies = append(*replies, req.ID)
		return nil
	}
	return New(hclog.NewNullLogger(), []string{"/dev/mapper/root"}, replier, nil)
}

func TestClassifyFiltersByConfiguredDevice(t *testing.T) {
	var replies []string
	c := newTestController(t, &replies)

	if _, ok := c.classify(askpass.PasswordRequest{ID: "cryptsetup:/dev/mapper/root"}); !ok {
		t.Fatal("expected configured device to be managed")
	}
	if _, ok := c.classify(askpass.PasswordRequest{ID: "cryptsetup:/dev/mapper/other"}); ok {
		t.Fatal("expected unconfigured device to be unmanaged")
	}
	if _, ok := c.classify(askpass.PasswordRequest{ID: "some-other-prompt"}); ok {
		t.Fatal("expected non-cryptsetup id to be unmanaged")
	}
}

func TestLoginAnswersQueuedPromptsThenSucceedsOnClose(t *testing.T) {
	var replies []string
	c := newTestController(t, &replies)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.queue <- ManagedRequest{PasswordRequest: askpass.PasswordRequest{ID: "cryptsetup:/dev/mapper/root"}}
		close(c.queue)
	}()

	ok, err := c.Login(context.Background(), "alice", secret.FromString("hunter2"), "plasma.desktop", func(string) {})
	<-done

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected login to succeed once the queue closed")
	}
	if len(replies) != 1 || replies[0] != "cryptsetup:/dev/mapper/root" {
		t.Fatalf("unexpected replies: %v", replies)
	}

	result := c.Result()
	if result == nil || result.User != "alice" || result.Session != "plasma.desktop" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestLoginDetectsRepeatedPromptAsWrongPassword(t *testing.T) {
	var replies []string
	c := newTestController(t, &replies)

	go func() {
		c.queue <- ManagedRequest{PasswordRequest: askpass.PasswordRequest{ID: "cryptsetup:/dev/mapper/root"}}
		c.queue <- ManagedRequest{PasswordRequest: askpass.PasswordRequest{ID: "cryptsetup:/dev/mapper/root"}}
	}()

	var infos []string
	ok, err := c.Login(context.Background(), "alice", secret.FromString("wrong"), "plasma.desktop", func(msg string) {
		infos = append(infos, msg)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected failed login on repeated prompt id")
	}
	if len(infos) != 1 {
		t.Fatalf("expected exactly one information message, got %v", infos)
	}

	if c.pending == nil || c.pending.ID != "cryptsetup:/dev/mapper/root" {
		t.Fatalf("expected the repeated request to be primed as pending, got %+v", c.pending)
	}
	if len(c.processedIDs) != 0 {
		t.Fatalf("expected processedIDs to be reset, got %v", c.processedIDs)
	}
}

func TestLoginConsumesPendingBeforeQueue(t *testing.T) {
	var replies []string
	c := newTestController(t, &replies)
	c.pending = &ManagedRequest{PasswordRequest: askpass.PasswordRequest{ID: "cryptsetup:/dev/mapper/root"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		close(c.queue)
	}()

	ok, err := c.Login(context.Background(), "alice", secret.FromString("hunter2"), "plasma.desktop", func(string) {})
	<-done

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected success once pending is drained and queue closes")
	}
	if len(replies) != 1 {
		t.Fatalf("expected the pending request to be answered, got %v", replies)
	}
}

func TestLoginCtxCancelReturnsError(t *testing.T) {
	var replies []string
	c := newTestController(t, &replies)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := c.Login(ctx, "alice", secret.FromString("hunter2"), "plasma.desktop", func(string) {})
	if err == nil {
		t.Fatal("expected context error")
	}
	if ok {
		t.Fatal("expected failure")
	}
}
