package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// maxFrameSize bounds a single inbound frame. Records are small; audio never
// travels on the link.
const maxFrameSize = 64 << 10

// session is the single live connection to the peer.
type session struct {
	logger *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	events Events
}

func (s *session) setEvents(ev Events) {
	s.mu.Lock()
	s.events = ev
	s.mu.Unlock()
}

// attach makes conn the live connection, replacing any previous one.
func (s *session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	ev := s.events
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close(websocket.StatusPolicyViolation, "replaced by newer connection")
	}
	ev.reachability(true)
}

// detach clears conn if it is still the live connection.
func (s *session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	ev := s.events
	s.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	ev.reachability(false)
}

func (s *session) current() (*websocket.Conn, Events) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.events
}

func (s *session) send(ctx context.Context, data []byte, timeout time.Duration) error {
	conn, _ := s.current()
	if conn == nil {
		return ErrUnreachable
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.detach(conn)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// readLoop delivers frames from conn until it fails or ctx is done.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.detach(conn)
	conn.SetReadLimit(maxFrameSize)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Printf("Peer connection lost: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		_, ev := s.current()
		ev.frame(data)
	}
}

// WSServerConfig configures the primary side of the link.
type WSServerConfig struct {
	// Addr to listen on, e.g. ":7420". Ignored when Listener is set.
	Addr string
	// Listener, if set, is used instead of listening on Addr.
	Listener net.Listener
	// Pairing verifies the companion's bearer token. An empty secret
	// disables the check.
	Pairing Pairing
	// WriteTimeout bounds a single Send.
	WriteTimeout time.Duration
	Logger       *log.Logger
}

// WSServer is the primary device's end of the link. It accepts one
// companion connection at a time on /link.
type WSServer struct {
	config  WSServerConfig
	session *session

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewWSServer creates a WSServer. Run starts listening.
func NewWSServer(config WSServerConfig) *WSServer {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[link] ", log.LstdFlags)
	}
	return &WSServer{
		config:  config,
		session: &session{logger: config.Logger},
		ready:   make(chan struct{}),
	}
}

// Addr returns the listening address once Run has started listening.
func (s *WSServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Ready is closed once the server is listening.
func (s *WSServer) Ready() <-chan struct{} { return s.ready }

// Handler returns the /link handler.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/link", s.handleLink)
	return mux
}

// Send implements Transport.
func (s *WSServer) Send(ctx context.Context, data []byte) error {
	return s.session.send(ctx, data, s.config.WriteTimeout)
}

// Run implements Transport. It serves until ctx is cancelled.
func (s *WSServer) Run(ctx context.Context, ev Events) error {
	s.session.setEvents(ev)

	ln := s.config.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
		}
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Printf("Link listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("link server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if conn, _ := s.session.current(); conn != nil {
		s.session.detach(conn)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("link server shutdown: %w", err)
	}
	return nil
}

func (s *WSServer) handleLink(w http.ResponseWriter, r *http.Request) {
	device := "companion"
	if s.config.Pairing.Secret != "" {
		id, err := s.config.Pairing.Verify(bearer(r))
		if err != nil {
			s.config.Logger.Printf("Rejected link connection from %s: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		device = id
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s.config.Logger.Printf("Companion %s connected", device)

	s.session.attach(conn)
	s.session.readLoop(r.Context(), conn)
}

// WSDialerConfig configures the companion side of the link.
type WSDialerConfig struct {
	// URL of the primary's link endpoint, e.g. ws://phone.local:7420/link.
	URL string
	// Token is the pairing token presented to the primary.
	Token string
	// RedialInterval is the wait between connection attempts.
	RedialInterval time.Duration
	WriteTimeout   time.Duration
	Logger         *log.Logger
}

// WSDialer is the companion device's end of the link. It keeps dialing the
// primary until ctx is cancelled.
type WSDialer struct {
	config  WSDialerConfig
	session *session
}

// NewWSDialer creates a WSDialer. Run starts dialing.
func NewWSDialer(config WSDialerConfig) *WSDialer {
	if config.RedialInterval <= 0 {
		config.RedialInterval = 5 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[link] ", log.LstdFlags)
	}
	return &WSDialer{
		config:  config,
		session: &session{logger: config.Logger},
	}
}

// Send implements Transport.
func (d *WSDialer) Send(ctx context.Context, data []byte) error {
	return d.session.send(ctx, data, d.config.WriteTimeout)
}

// Run implements Transport.
func (d *WSDialer) Run(ctx context.Context, ev Events) error {
	d.session.setEvents(ev)

	var header http.Header
	if d.config.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + d.config.Token}}
	}

	for {
		dialCtx, cancel := context.WithTimeout(ctx, d.config.RedialInterval)
		conn, resp, err := websocket.Dial(dialCtx, d.config.URL, &websocket.DialOptions{HTTPHeader: header})
		cancel()
		if err == nil {
			d.session.attach(conn)
			d.session.readLoop(ctx, conn)
		} else if ctx.Err() == nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				d.config.Logger.Printf("Primary rejected pairing token")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.config.RedialInterval):
		}
	}
}
