// Package udp binds the datagram endpoint readings arrive on.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

const (
	// pollInterval bounds how long a read blocks before ctx is rechecked.
	pollInterval     = 100 * time.Millisecond
	// socketBufferSize is the requested kernel receive buffer.
	socketBufferSize = 2 * 1024 * 1024
)

// Listener reads datagrams from a bound UDP socket.
// It implements pipeline.DatagramSource.
type Listener struct {
	conn   *net.UDPConn
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr (host:port). Failure to bind is a *domain.StartupError.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &domain.StartupError{Setting: "UDP_ADDR", Err: fmt.Errorf("resolve %s: %w", addr, err)}
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &domain.StartupError{Setting: "UDP_ADDR", Err: fmt.Errorf("listen on %s: %w", addr, err)}
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		// Some systems cap the buffer size; the default still works.
		logger.Warn("could not set UDP read buffer", "buffer_size", socketBufferSize, "error", err)
	}

	logger.Info("udp endpoint bound", "addr", conn.LocalAddr().String())
	return &Listener{conn: conn, logger: logger}, nil
}

// Addr returns the bound local address; useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// ReadDatagram blocks until a datagram is read into buf or ctx is done.
// Datagrams longer than buf are truncated by the kernel; only the returned
// length is valid.
func (l *Listener) ReadDatagram(ctx context.Context, buf []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return 0, fmt.Errorf("set read deadline: %w", err)
		}

		n, _, err := l.conn.ReadFromUDP(buf)
		if err == nil {
			return n, nil
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("read udp: %w", err)
	}
}

// Close releases the socket. It is safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
