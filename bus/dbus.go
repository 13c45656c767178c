package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/c360/dbusbridge/errors"
)

// Well-known addresses accepted by Dial
const (
	AddressSession = "session"
	AddressSystem  = "system"
)

const signalBuffer = 256

// DBusConn implements Conn over a godbus connection
type DBusConn struct {
	conn    *dbus.Conn
	logger  *slog.Logger
	raw     chan *dbus.Signal
	signals chan *Signal
	done    chan struct{}

	closeOnce sync.Once
}

// Dial connects to the session bus, the system bus or an explicit address
// such as "unix:path=/run/user/1000/bus", and completes the Hello handshake.
func Dial(ctx context.Context, address string, logger *slog.Logger) (*DBusConn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		conn *dbus.Conn
		err  error
	)
	switch address {
	case "", AddressSession:
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	case AddressSystem:
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	default:
		conn, err = dbus.Connect(address, dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "DBusConn", "Dial", "connect to "+address)
	}

	c := &DBusConn{
		conn:    conn,
		logger:  logger.With("component", "bus"),
		raw:     make(chan *dbus.Signal, signalBuffer),
		signals: make(chan *Signal, signalBuffer),
		done:    make(chan struct{}),
	}
	conn.Signal(c.raw)
	go c.pump()

	c.logger.Info("connected to bus", "address", address, "name", conn.Names()[0])
	return c, nil
}

// pump converts godbus signals until the connection ends
func (c *DBusConn) pump() {
	defer close(c.signals)
	defer c.markDone()

	ctxDone := c.conn.Context().Done()
	for {
		select {
		case <-ctxDone:
			return
		case s, ok := <-c.raw:
			if !ok {
				return
			}
			iface, member := splitName(s.Name)
			select {
			case c.signals <- &Signal{
				Sender:    s.Sender,
				Path:      s.Path,
				Interface: iface,
				Member:    member,
				Body:      s.Body,
			}:
			case <-ctxDone:
				return
			}
		}
	}
}

func splitName(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func (c *DBusConn) markDone() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Call implements Conn
func (c *DBusConn) Call(ctx context.Context, target Target, args ...any) ([]any, error) {
	call := c.conn.Object(target.Service, target.Path).CallWithContext(ctx, target.Method(), 0, args...)
	if call.Err != nil {
		return nil, fromDBus(call.Err)
	}
	return call.Body, nil
}

// Go implements Conn
func (c *DBusConn) Go(ctx context.Context, target Target, args ...any) <-chan Reply {
	out := make(chan Reply, 1)
	ch := make(chan *dbus.Call, 1)

	call := c.conn.Object(target.Service, target.Path).GoWithContext(ctx, target.Method(), 0, ch, args...)
	if call.Err != nil {
		out <- Reply{Err: fromDBus(call.Err)}
		return out
	}

	go func() {
		select {
		case done := <-ch:
			out <- Reply{Body: done.Body, Err: fromDBus(done.Err)}
		case <-ctx.Done():
			out <- Reply{Err: ctx.Err()}
		case <-c.done:
			out <- Reply{Err: ErrClosed}
		}
	}()
	return out
}

func matchOptions(rule MatchRule) []dbus.MatchOption {
	var opts []dbus.MatchOption
	if rule.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(rule.Sender))
	}
	if rule.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(rule.Path))
	}
	if rule.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(rule.Interface))
	}
	if rule.Member != "" {
		opts = append(opts, dbus.WithMatchMember(rule.Member))
	}
	if rule.Arg0 != "" {
		opts = append(opts, dbus.WithMatchArg(0, rule.Arg0))
	}
	return opts
}

// AddMatch implements Conn
func (c *DBusConn) AddMatch(ctx context.Context, rule MatchRule) error {
	if err := c.conn.AddMatchSignalContext(ctx, matchOptions(rule)...); err != nil {
		return fromDBus(err)
	}
	return nil
}

// RemoveMatch implements Conn
func (c *DBusConn) RemoveMatch(ctx context.Context, rule MatchRule) error {
	if err := c.conn.RemoveMatchSignalContext(ctx, matchOptions(rule)...); err != nil {
		return fromDBus(err)
	}
	return nil
}

// Signals implements Conn
func (c *DBusConn) Signals() <-chan *Signal { return c.signals }

// Done implements Conn
func (c *DBusConn) Done() <-chan struct{} { return c.done }

// Close implements Conn
func (c *DBusConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.conn.RemoveSignal(c.raw)
		err = c.conn.Close()
	})
	return err
}
