package feeder

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"swoitm/internal/common"
	"swoitm/internal/itm"
	"swoitm/internal/swo"
)

const (
	tcpChunkSize         = 1024
	defaultReconnectWait = 500 * time.Millisecond
)

// TCPSource reads an SWO stream served over TCP, e.g. by a debug server's
// SWO port.
type TCPSource struct {
	ctx       context.Context
	network   string
	addr      string
	reconnect bool
	log       common.Logger
	dialer    net.Dialer

	// ReconnectWait is the pause between failed reconnect attempts.
	ReconnectWait time.Duration

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	buf []byte
}

// DialTCP connects to addr. With reconnect set, a connection closed by the
// server is re-established instead of ending the stream.
func DialTCP(ctx context.Context, addr string, ipv6, reconnect bool, log common.Logger) (*TCPSource, error) {
	if log == nil {
		log = common.NewNoOpLogger()
	}
	network := "tcp4"
	if ipv6 {
		network = "tcp6"
	}
	s := &TCPSource{
		ctx:           ctx,
		network:       network,
		addr:          addr,
		reconnect:     reconnect,
		log:           log,
		ReconnectWait: defaultReconnectWait,
		buf:           make([]byte, tcpChunkSize),
	}
	conn, err := s.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, common.NewErrorf(swo.ErrSourceRead, "connect %s: %v", addr, err)
	}
	s.conn = conn
	log.Logf(common.SeverityInfo, "connected to %s", conn.RemoteAddr())
	return s, nil
}

func (s *TCPSource) current() (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.closed
}

// ReadChunk returns up to 1024 bytes, valid until the following call.
func (s *TCPSource) ReadChunk() ([]byte, error) {
	for {
		conn, closed := s.current()
		if closed {
			return nil, io.EOF
		}

		n, err := conn.Read(s.buf)
		if n > 0 {
			return s.buf[:n], nil
		}
		if _, closed := s.current(); closed {
			return nil, io.EOF
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}

		// server closed the connection
		conn.Close()
		if !s.reconnect {
			s.log.Info("server closed the connection")
			return nil, io.EOF
		}
		if err := s.redial(); err != nil {
			return nil, err
		}
	}
}

func (s *TCPSource) redial() error {
	s.log.Logf(common.SeverityInfo, "reconnecting to %s", s.addr)
	for {
		conn, err := s.dialer.DialContext(s.ctx, s.network, s.addr)
		if err == nil {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				conn.Close()
				return io.EOF
			}
			s.conn = conn
			return nil
		}
		s.log.Logf(common.SeverityDebug, "reconnect failed: %v", err)

		select {
		case <-s.ctx.Done():
			return io.EOF
		case <-time.After(s.ReconnectWait):
		}
		if _, closed := s.current(); closed {
			return io.EOF
		}
	}
}

// Close shuts the connection down; a blocked ReadChunk returns io.EOF.
func (s *TCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func openTCP(ctx context.Context, opts Options) (itm.Source, io.Closer, error) {
	if opts.Addr == "" {
		return nil, nil, common.NewErrorMsg(swo.ErrSevError, swo.ErrInvalidParamVal, "tcp source needs host:port")
	}
	if _, _, err := net.SplitHostPort(opts.Addr); err != nil {
		return nil, nil, common.NewErrorf(swo.ErrInvalidParamVal, "can't parse %q as a host:port pair", opts.Addr)
	}
	src, err := DialTCP(ctx, opts.Addr, opts.IPv6, opts.Reconnect, opts.logger())
	if err != nil {
		return nil, nil, err
	}
	return src, src, nil
}
