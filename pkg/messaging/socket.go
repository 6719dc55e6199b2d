package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/telemetry"
)

// AuthRequest describes a control call about to be dispatched.
type AuthRequest struct {
	Subject string          `json:"subject"`
	Topic   string          `json:"topic"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Authorizer decides whether a socket caller may invoke a method. A nil
// error allows the call.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthRequest) error
}

// ServerConfig configures a control socket server.
type ServerConfig struct {
	Path       string
	Control    *Control
	Status     *Status
	Authorizer Authorizer
	Logger     zerolog.Logger

	// StreamBuffer bounds the events queued for one subscriber connection.
	StreamBuffer int
}

// Server exposes a Control channel, and optionally a Status stream, over a
// unix socket speaking JSON lines.
type Server struct {
	cfg    ServerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer validates cfg and creates a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if cfg.Control == nil {
		return nil, fmt.Errorf("control channel is required")
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "control_socket").Str("path", cfg.Path).Logger(),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds the socket, replacing a stale socket file.
func (s *Server) Listen() error {
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Path, err)
	}
	if err := os.Chmod(s.cfg.Path, 0o600); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx ends or Close is called. It calls
// Listen if needed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		l = s.listener
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info().Msg("control socket listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops the listener, closes open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	dec := NewDecoder(conn)
	enc := NewEncoder(conn)

	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("dropping connection after unreadable frame")
			}
			return
		}
		if msg.Type != MessageTypeCall {
			s.replyError(enc, msg.ID, engine.NewPermanentError(
				fmt.Sprintf("expected %s frame, got %s", MessageTypeCall, msg.Type), nil,
			).WithCode(engine.ErrCodeValidation))
			continue
		}

		req := AuthRequest{Subject: msg.Subject, Topic: s.cfg.Control.Topic(), Method: msg.Method, Payload: msg.Data}
		if s.cfg.Authorizer != nil {
			if err := s.cfg.Authorizer.Authorize(ctx, req); err != nil {
				s.logger.Warn().Str("subject", msg.Subject).Str("method", msg.Method).Msg("control call denied")
				s.replyError(enc, msg.ID, err)
				continue
			}
		}

		if msg.Method == MethodSubscribe {
			s.stream(ctx, conn, dec, enc, msg)
			return
		}

		call := telemetry.StartControlCall(ctx, msg.Method, msg.Subject)
		reply, err := s.cfg.Control.Call(call.Ctx, msg.Method, msg.Data)
		call.End(err)
		if err != nil {
			s.replyError(enc, msg.ID, err)
			continue
		}
		if err := enc.Encode(&Message{Type: MessageTypeReply, ID: msg.ID, Method: msg.Method, Data: reply}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to write reply")
			return
		}
	}
}

// SubscribeRequest narrows a status stream to one audit.
type SubscribeRequest struct {
	AuditUUID string `json:"audit_uuid,omitempty"`
}

func (s *Server) stream(ctx context.Context, conn net.Conn, dec *Decoder, enc *Encoder, msg *Message) {
	if s.cfg.Status == nil {
		s.replyError(enc, msg.ID, engine.NewPermanentError("status streaming is not enabled", nil).
			WithCode(engine.ErrCodeOperationNotPermitted))
		return
	}
	var req SubscribeRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(enc, msg.ID, engine.NewPermanentError("invalid subscribe request", err).
				WithCode(engine.ErrCodeValidation))
			return
		}
	}

	events := make(chan engine.StatusEvent, s.cfg.StreamBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := s.cfg.Status.Subscribe(func(ev engine.StatusEvent) {
		if req.AuditUUID != "" && ev.AuditUUID != req.AuditUUID {
			return
		}
		select {
		case events <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	if err := enc.Encode(&Message{Type: MessageTypeReply, ID: msg.ID, Method: msg.Method}); err != nil {
		return
	}

	// The peer sends nothing more; a read returning means it hung up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, err := dec.Decode(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := enc.EncodeData(MessageTypeEvent, msg.ID, ev); err != nil {
				return
			}
		case <-overflow:
			s.logger.Warn().Str("subject", msg.Subject).Msg("status subscriber too slow, closing stream")
			return
		case <-gone:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) replyError(enc *Encoder, id string, err error) {
	if werr := enc.Encode(&Message{Type: MessageTypeError, ID: id, Error: wireError(err)}); werr != nil {
		s.logger.Warn().Err(werr).Msg("failed to write error reply")
	}
}

// wireError flattens err into the classified form sent to clients.
func wireError(err error) *engine.EngineError {
	var e *engine.EngineError
	if errors.As(err, &e) {
		out := *e
		out.Err = nil
		if e.Err != nil {
			out.Details = make(map[string]interface{}, len(e.Details)+1)
			for k, v := range e.Details {
				out.Details[k] = v
			}
			out.Details["cause"] = e.Err.Error()
		}
		return &out
	}
	return engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeInternal)
}

// Client calls a control socket. Each call uses its own connection.
type Client struct {
	path    string
	subject string
}

// NewClient creates a client for the socket at path. subject is presented
// to the server's authorizer.
func NewClient(path, subject string) *Client {
	return &Client{path: path, subject: subject}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.path, err)
	}
	return conn, nil
}

func (c *Client) send(enc *Encoder, method string, req interface{}) (string, error) {
	msg := &Message{Type: MessageTypeCall, ID: uuid.NewString(), Method: method, Subject: c.subject}
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}
		msg.Data = b
	}
	return msg.ID, enc.Encode(msg)
}

// Call invokes method with req and decodes the reply into resp, which may be
// nil. Server-side failures come back as *engine.EngineError.
func (c *Client) Call(ctx context.Context, method string, req, resp interface{}) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	id, err := c.send(NewEncoder(conn), method, req)
	if err != nil {
		return err
	}
	msg, err := NewDecoder(conn).Decode()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read reply: %w", err)
	}
	return decodeReply(msg, id, resp)
}

func decodeReply(msg *Message, id string, resp interface{}) error {
	if msg.ID != id {
		return fmt.Errorf("reply id %s does not match call %s", msg.ID, id)
	}
	switch msg.Type {
	case MessageTypeError:
		return msg.Error
	case MessageTypeReply:
		if resp != nil && len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, resp); err != nil {
				return fmt.Errorf("failed to unmarshal reply: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unexpected %s frame", msg.Type)
	}
}

// Subscribe streams status events to fn until ctx ends or the server hangs
// up. An empty auditUUID receives every event.
func (c *Client) Subscribe(ctx context.Context, auditUUID string, fn func(engine.StatusEvent)) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	id, err := c.send(NewEncoder(conn), MethodSubscribe, SubscribeRequest{AuditUUID: auditUUID})
	if err != nil {
		return err
	}
	dec := NewDecoder(conn)
	msg, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("failed to read subscribe reply: %w", err)
	}
	if err := decodeReply(msg, id, nil); err != nil {
		return err
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Type != MessageTypeEvent {
			continue
		}
		var ev engine.StatusEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		fn(ev)
	}
}
