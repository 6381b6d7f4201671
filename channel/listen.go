package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/valeriansaliou/sonic/utils"
)

// Listener accepts Sonic Channel connections and hands each one to the
// channel state machine on its own goroutine.
type Listener struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	log     utils.Logger
	channel *Channel

	listener net.Listener
	conns    *xsync.MapOf[string, net.Conn]
}

func NewListener(log utils.Logger, channel *Channel) *Listener {
	return &Listener{
		log:     log,
		channel: channel,
		conns:   xsync.NewMapOf[string, net.Conn](),
	}
}

// Listen binds the address and starts the accept loop. It returns once the
// listener is bound; accepting runs in the background.
func (l *Listener) Listen(ctx context.Context, addr string) error {
	config := net.ListenConfig{}
	listener, err := config.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	l.listener = listener

	l.log.Info("channel: listening", "addr", addr)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.keepAccepting()
	}()
	return nil
}

func (l *Listener) keepAccepting() {
	for !l.closed.Load() {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			l.log.Error("channel: accept failed", "err", err)
			continue
		}

		name := uuid.Must(uuid.NewV7()).String()
		remoteAddr := conn.RemoteAddr().String()
		l.log.Debug("channel: accepted connection", "name", name, "remoteAddr", remoteAddr)

		l.conns.Store(name, conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.channel.Serve(conn)
			l.conns.Delete(name)
			l.log.Debug("channel: connection closed", "name", name, "remoteAddr", remoteAddr)
		}()
	}
}

// Close stops accepting, closes every live connection and waits for the
// handler goroutines to drain.
func (l *Listener) Close() error {
	l.closed.Store(true)

	if l.listener != nil {
		_ = l.listener.Close()
	}

	l.conns.Range(func(_ string, conn net.Conn) bool {
		_ = conn.Close()
		return true
	})
	l.conns.Clear()

	l.wg.Wait()
	return nil
}

// Addr reports the bound address, for tests binding port zero.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}
