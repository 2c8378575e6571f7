package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultPingPeriod  = 30 * time.Second
	defaultPongTimeout = 10 * time.Second
)

// streamConn wraps one gorilla/websocket connection with the keepalive and
// read-loop plumbing every native adapter shares. Venue logic supplies the
// message handler; the conn owns deadlines, ping/pong and teardown.
type streamConn struct {
	url         string
	dialTimeout time.Duration
	pingPeriod  time.Duration
	pongTimeout time.Duration
	userAgent   string
	logger      zerolog.Logger

	// transportPing enables protocol-level ping frames. Venues with an
	// application-level heartbeat (Crypto.com) turn it off.
	transportPing bool

	mu     sync.Mutex
	conn   *websocket.Conn
	closed chan struct{}
}

type streamOptions struct {
	URL           string
	DialTimeout   time.Duration
	UserAgent     string
	TransportPing bool
}

func newStreamConn(opts streamOptions, logger zerolog.Logger) *streamConn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &streamConn{
		url:           opts.URL,
		dialTimeout:   opts.DialTimeout,
		pingPeriod:    defaultPingPeriod,
		pongTimeout:   defaultPongTimeout,
		userAgent:     opts.UserAgent,
		transportPing: opts.TransportPing,
		logger:        logger,
	}
}

// dial opens the websocket. The caller must not hold the adapter state
// lock; dialing is a suspension point.
func (s *streamConn) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.dialTimeout}

	headers := map[string][]string{}
	if s.userAgent != "" {
		headers["User-Agent"] = []string{s.userAgent}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, s.url, headers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// writeJSON sends one control/subscription message. Serialized: gorilla
// permits a single concurrent writer.
func (s *streamConn) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.pongTimeout))
	return s.conn.WriteJSON(v)
}

// run reads messages until the connection fails or close is called,
// keeping the transport alive with ping frames. It returns the read error
// that ended the loop, or nil after an orderly close.
func (s *streamConn) run(onMessage func([]byte) error) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}

	readTimeout := s.pingPeriod + s.pongTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	if s.transportPing {
		go s.pingLoop(conn, closed)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
				return nil
			default:
				return err
			}
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := onMessage(data); err != nil {
			s.logger.Warn().Err(err).Msg("stream message handler failed")
		}
	}
}

func (s *streamConn) pingLoop(conn *websocket.Conn, closed chan struct{}) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.pongTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				// The read loop will observe the broken transport.
				return
			}
		}
	}
}

// close tears down the connection; safe to call repeatedly.
func (s *streamConn) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.conn.Close()
	s.conn = nil
}
