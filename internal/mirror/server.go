package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/safe_map"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMsgSize  = 1 << 16
	shutdownMax = 5 * time.Second
)

// Message types of the relay protocol
const (
	TypeSession   = "session"
	TypeState     = "state"
	TypeHeartRate = "heart_rate"
	TypeData      = "data"
	TypeError     = "error"
)

// Envelope is one websocket message in either direction
type Envelope struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	State     string     `json:"state,omitempty"`
	BPM       int        `json:"bpm,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Data      [][]byte   `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Store is where relayed sessions and samples go, normally a *healthstore.Store
type Store interface {
	StartMirroring(session heartrate.Session) error
	Append(sample heartrate.Sample)
}

type Options struct {
	// Snapshot backs GET /api/state; the route is absent when nil
	Snapshot func() any
	Now      func() time.Time
}

// Server relays remote workout sessions into the store
type Server struct {
	store    Store
	logger   *log.Logger
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader
	conns    *safe_map.SafeMap[string, *connection]
	wg       sync.WaitGroup
}

func NewServer(store Store, logger *log.Logger, opts Options) *Server {
	if store == nil {
		panic("MirrorServer: store cannot be nil")
	}
	if logger == nil {
		panic("MirrorServer: logger cannot be nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		store:  store,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			// the relay is meant for devices on the local network
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: safe_map.NewSafeMap[string, *connection](),
	}
	s.engine = s.initRoutes()
	return s
}

func (s *Server) initRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.LoggerWithWriter(s.logger.Writer()), gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/mirror", s.mirror)
	if s.opts.Snapshot != nil {
		router.GET("/api/state", s.state)
	}
	return router
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ActiveSessions is the number of open relay sockets
func (s *Server) ActiveSessions() int {
	return s.conns.Len()
}

// Run serves on addr until ctx is cancelled, then shuts down and ends every
// open session
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go_func_utils.SafeGo(s.logger, func() {
		s.logger.Printf("MirrorServer: Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mirror server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownMax)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// hijacked websocket connections are not closed by Shutdown
	for _, conn := range s.conns.Values() {
		conn.session.transition(heartrate.SessionEnded)
		_ = conn.conn.Close()
	}
	s.wg.Wait()
	s.logger.Printf("MirrorServer: Stopped")
	if err != nil {
		return fmt.Errorf("mirror server shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.ActiveSessions()})
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Snapshot())
}

// connection pairs a socket with its session. Writes are serialized.
type connection struct {
	conn    *websocket.Conn
	session *Session
	writeMu sync.Mutex
}

func (c *connection) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *Server) mirror(c *gin.Context) {
	session := newSession(uuid.NewString(), s.opts.Now)
	if err := s.store.StartMirroring(session); err != nil {
		s.logger.Printf("MirrorServer: Rejecting session: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("MirrorServer: Upgrade failed: %v", err)
		session.transition(heartrate.SessionEnded)
		return
	}

	conn := &connection{conn: ws, session: session}
	s.conns.Store(session.ID(), conn)
	s.wg.Add(1)
	defer func() {
		s.conns.Delete(session.ID())
		_ = ws.Close()
		session.transition(heartrate.SessionEnded)
		s.logger.Printf("MirrorServer: Session %s closed", session.ID())
		s.wg.Done()
	}()

	ws.SetReadLimit(maxMsgSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.logger.Printf("MirrorServer: Session %s opened from %s", session.ID(), c.ClientIP())
	if err := conn.write(Envelope{Type: TypeSession, SessionID: session.ID(), State: session.State().String()}); err != nil {
		s.logger.Printf("MirrorServer: Initial write failed: %v", err)
		return
	}

	done := make(chan struct{})
	go_func_utils.SafeGo(s.logger, func() {
		defer close(done)
		s.readLoop(conn)
	})

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.ping(); err != nil {
				s.logger.Printf("MirrorServer: Ping failed: %v", err)
				return
			}
		}
	}
}

func (s *Server) readLoop(conn *connection) {
	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("MirrorServer: Read closed: %v", err)
			}
			return
		}
		var env Envelope
		if err = json.Unmarshal(raw, &env); err != nil {
			err = fmt.Errorf("malformed message: %w", err)
		} else {
			err = s.handle(conn.session, env)
		}
		if err != nil {
			if writeErr := conn.write(Envelope{Type: TypeError, SessionID: conn.session.ID(), Error: err.Error()}); writeErr != nil {
				return
			}
		}
	}
}

func (s *Server) handle(session *Session, env Envelope) error {
	switch env.Type {
	case TypeState:
		state, ok := heartrate.ParseSessionState(env.State)
		if !ok {
			return fmt.Errorf("unknown session state %q", env.State)
		}
		session.transition(state)
	case TypeHeartRate:
		if env.BPM <= 0 {
			return fmt.Errorf("invalid heart rate %d", env.BPM)
		}
		at := s.opts.Now()
		if env.Timestamp != nil {
			at = *env.Timestamp
		}
		s.store.Append(heartrate.Sample{BPM: env.BPM, Timestamp: at})
	case TypeData:
		if len(env.Data) > 0 {
			session.receive(env.Data)
		}
	case TypeError:
		msg := env.Error
		if msg == "" {
			msg = "remote session error"
		}
		session.fail(errors.New(msg))
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	return nil
}
