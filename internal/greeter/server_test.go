package greeter

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/popax21/luks-stage1-sddm-go/internal/power"
	"github.com/popax21/luks-stage1-sddm-go/internal/secret"
)

type fakeController struct {
	mu        sync.Mutex
	calls     int
	infos     []string
	result    bool
	resultErr error
	canDo     map[power.Action]bool
	performed []power.Action
}

func (f *fakeController) Login(ctx context.Context, user string, password secret.Secret, session string, info func(string)) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	info("checking credentials")
	return f.result, f.resultErr
}

func (f *fakeController) CanPerform(act power.Action) bool {
	return f.canDo[act]
}

func (f *fakeController) Perform(act power.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performed = append(f.performed, act)
}

func newTestServer(t *testing.T, ctrl *fakeController) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	srv, err := Listen(hclog.NewNullLogger(), path, ctrl)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return srv, path
}

func TestConnectHandshakeSendsCapabilitiesThenHostName(t *testing.T) {
	ctrl := &fakeController{canDo: map[power.Action]bool{power.Reboot: true}}
	_, path := newTestServer(t, ctrl)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := WriteCode(conn, MsgConnect); err != nil {
		t.Fatal(err)
	}

	code, err := ReadCode(conn)
	if err != nil {
		t.Fatalf("reading capabilities code: %v", err)
	}
	if code != MsgCapabilities {
		t.Fatalf("expected MsgCapabilities first, got %d", code)
	}
	var buf [4]byte
	if _, err := conn.Read(buf[:]); err != nil {
		t.Fatalf("reading capability bitmask: %v", err)
	}
	caps := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	if caps != CapReboot {
		t.Fatalf("unexpected capability mask: %#x", caps)
	}

	code, err = ReadCode(conn)
	if err != nil {
		t.Fatalf("reading hostname code: %v", err)
	}
	if code != MsgHostName {
		t.Fatalf("expected MsgHostName second, got %d", code)
	}
	if _, err := ReadString(conn); err != nil {
		t.Fatalf("reading hostname string: %v", err)
	}
}

func TestLoginSuccessFlow(t *testing.T) {
	ctrl := &fakeController{result: true}
	_, path := newTestServer(t, ctrl)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := WriteCode(conn, MsgConnect); err != nil {
		t.Fatal(err)
	}
	drainConnectReplies(t, conn)

	if err := WriteCode(conn, MsgLogin); err != nil {
		t.Fatal(err)
	}
	if err := WriteString(conn, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := WriteString(conn, "hunter2"); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := WriteString(conn, "plasma.desktop"); err != nil {
		t.Fatal(err)
	}

	code, err := ReadCode(conn)
	if err != nil {
		t.Fatalf("reading info message code: %v", err)
	}
	if code != MsgInformationMessage {
		t.Fatalf("expected information message, got %d", code)
	}
	if _, err := ReadString(conn); err != nil {
		t.Fatal(err)
	}

	code, err = ReadCode(conn)
	if err != nil {
		t.Fatalf("reading login result: %v", err)
	}
	if code != MsgLoginSucceeded {
		t.Fatalf("expected MsgLoginSucceeded, got %d", code)
	}
}

func drainConnectReplies(t *testing.T, conn net.Conn) {
	t.Helper()
	if code, err := ReadCode(conn); err != nil || code != MsgCapabilities {
		t.Fatalf("expected capabilities reply: code=%d err=%v", code, err)
	}
	var buf [4]byte
	if _, err := conn.Read(buf[:]); err != nil {
		t.Fatal(err)
	}
	if code, err := ReadCode(conn); err != nil || code != MsgHostName {
		t.Fatalf("expected hostname reply: code=%d err=%v", code, err)
	}
	if _, err := ReadString(conn); err != nil {
		t.Fatal(err)
	}
}
