package greeter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"unicode/utf8"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/popax21/luks-stage1-sddm-go/internal/power"
	"github.com/popax21/luks-stage1-sddm-go/internal/secret"
)

// Controller is the interface the server drives login attempts and
// power actions through. *login.Controller implements it.
type Controller interface {
	Login(ctx context.Context, user string, password secret.Secret, session string, info func(string)) (bool, error)
	CanPerform(act power.Action) bool
	Perform(act power.Action)
}

// Server is the greeter control socket listener.
type Server struct {
	log        hclog.Logger
	controller Controller
	listener   net.Listener
}

// Listen binds the control socket at path.
func Listen(log hclog.Logger, path string, controller Controller) (*Server, error) {
	// The socket path is reused across daemon restarts in testing; a
	// stale file from an unclean shutdown would otherwise make bind fail.
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("greeter: failed to bind control socket %q: %w", path, err)
	}

	return &Server{log: log.Named("greeter"), controller: controller, listener: l}, nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	connID := 0
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("greeter: accept failed: %w", err)
		}

		id := connID
		connID++
		go func() {
			s.log.Info("accepted connection", "id", id)
			if err := s.handleConn(ctx, conn); err != nil {
				s.log.Error("connection closed with error", "id", id, "error", err)
			} else {
				s.log.Info("connection closed", "id", id)
			}
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

type connection struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *connection) writeCode(code uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteCode(c.Conn, code)
}

func (c *connection) writeMessage(code uint32, s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteCode(c.Conn, code); err != nil {
		return err
	}
	return WriteString(c.Conn, s)
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) error {
	defer netConn.Close()
	conn := &connection{Conn: netConn}

	handshaked := false
	loginInFlight := false
	var loginMu sync.Mutex

	for {
		code, err := ReadCode(conn.Conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if code != MsgConnect && !handshaked {
			return fmt.Errorf("%w: first frame must be Connect", ErrProtocol)
		}

		switch code {
		case MsgConnect:
			if handshaked {
				return fmt.Errorf("%w: duplicate Connect", ErrProtocol)
			}
			handshaked = true
			if err := s.handleConnect(conn); err != nil {
				return err
			}

		case MsgLogin:
			if err := s.handleLogin(ctx, conn, &loginMu, &loginInFlight); err != nil {
				return err
			}

		case MsgPowerOff:
			s.controller.Perform(power.PowerOff)
		case MsgReboot:
			s.controller.Perform(power.Reboot)
		case MsgSuspend:
			s.controller.Perform(power.Suspend)
		case MsgHibernate:
			s.controller.Perform(power.Hibernate)
		case MsgHybridSleep:
			s.controller.Perform(power.HybridSleep)

		default:
			return fmt.Errorf("%w: unknown message code %d", ErrProtocol, code)
		}
	}
}

func (s *Server) handleConnect(conn *connection) error {
	var caps uint32
	if s.controller.CanPerform(power.PowerOff) {
		caps |= CapPowerOff
	}
	if s.controller.CanPerform(power.Reboot) {
		caps |= CapReboot
	}
	if s.controller.CanPerform(power.Suspend) {
		caps |= CapSuspend
	}
	if s.controller.CanPerform(power.Hibernate) {
		caps |= CapHibernate
	}
	if s.controller.CanPerform(power.HybridSleep) {
		caps |= CapHybridSleep
	}

	conn.writeMu.Lock()
	if err := WriteCode(conn.Conn, MsgCapabilities); err != nil {
		conn.writeMu.Unlock()
		return err
	}
	var buf [4]byte
	putBigEndian(buf[:], caps)
	if _, err := conn.Conn.Write(buf[:]); err != nil {
		conn.writeMu.Unlock()
		return err
	}
	conn.writeMu.Unlock()

	if hostname, err := os.Hostname(); err == nil && utf8.ValidString(hostname) {
		if err := conn.writeMessage(MsgHostName, hostname); err != nil {
			return err
		}
	}
	// A hostname containing invalid UTF-8 is simply omitted, not an error.

	return nil
}

func (s *Server) handleLogin(ctx context.Context, conn *connection, loginMu *sync.Mutex, inFlight *bool) error {
	loginMu.Lock()
	if *inFlight {
		loginMu.Unlock()
		s.log.Warn("login received while one is already in flight; dropping")
		return drainLoginFrame(conn.Conn)
	}
	*inFlight = true
	loginMu.Unlock()

	defer func() {
		loginMu.Lock()
		*inFlight = false
		loginMu.Unlock()
	}()

	user, err := ReadString(conn.Conn)
	if err != nil {
		return err
	}
	defer user.Release()

	password, err := ReadString(conn.Conn)
	if err != nil {
		return err
	}
	defer password.Release()

	// The session-type field is transmitted but, per spec, its meaning
	// is unspecified and it is intentionally discarded.
	var sessionType [4]byte
	if _, err := readFull(conn.Conn, sessionType[:]); err != nil {
		return err
	}

	session, err := ReadString(conn.Conn)
	if err != nil {
		return err
	}
	defer session.Release()

	s.log.Info("handling login request", "user", user.String())

	var infoWG sync.WaitGroup
	infoSink := func(msg string) {
		infoWG.Add(1)
		go func() {
			defer infoWG.Done()
			if err := conn.writeMessage(MsgInformationMessage, msg); err != nil {
				s.log.Error("failed to send information message", "error", err)
			}
		}()
	}

	ok, err := s.controller.Login(ctx, user.String(), password, session.String(), infoSink)
	infoWG.Wait()
	if err != nil {
		return fmt.Errorf("login controller error: %w", err)
	}

	s.log.Info("finished login request", "user", user.String(), "ok", ok)

	result := MsgLoginFailed
	if ok {
		result = MsgLoginSucceeded
	}
	return conn.writeCode(result)
}

func drainLoginFrame(r net.Conn) error {
	// Consume the frame's fields so the connection stays in sync for
	// whatever message follows.
	for i := 0; i < 2; i++ {
		if _, err := ReadString(r); err != nil {
			return err
		}
	}
	var sessionType [4]byte
	if _, err := readFull(r, sessionType[:]); err != nil {
		return err
	}
	if _, err := ReadString(r); err != nil {
		return err
	}
	return nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func putBigEndian(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}
