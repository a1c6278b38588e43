// Package wsclient connects to a remote realtime server over websockets. Each
// joined space is its own socket.
package wsclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/realtime/protocol"
	pkgerrors "lumina-backend/pkg/errors"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	welcomeWait = 10 * time.Second
)

// Config holds the remote endpoint settings
type Config struct {
	// URL of the websocket endpoint, e.g. wss://sync.example.com/ws
	URL              string
	HandshakeTimeout time.Duration
	SubscriberBuffer int
}

// Transport dials one websocket per joined space
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	apiKey string
	open   map[*Space]struct{}
}

var _ ports.RealtimeTransport = (*Transport)(nil)

// NewTransport creates a transport for cfg.URL
func NewTransport(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	return &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger,
		open:   make(map[*Space]struct{}),
	}
}

// Connect stores the credential used for every socket. A guest id is sent as
// such; anything else is treated as a bearer token.
func (t *Transport) Connect(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return pkgerrors.NewConfigurationError("REALTIME_API_KEY")
	}
	if t.cfg.URL == "" {
		return pkgerrors.NewConfigurationError("REALTIME_URL")
	}
	t.mu.Lock()
	t.apiKey = apiKey
	t.mu.Unlock()
	return nil
}

func (t *Transport) endpoint(space, apiKey string) (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", pkgerrors.NewConfigurationError("REALTIME_URL").WithCause(err)
	}
	q := u.Query()
	q.Set("space", space)
	if identity.IsGuest(apiKey) {
		q.Set("guest", apiKey)
	} else {
		q.Set("token", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// JoinSpace dials the server and waits for its welcome frame
func (t *Transport) JoinSpace(ctx context.Context, name string) (ports.Space, error) {
	t.mu.Lock()
	apiKey := t.apiKey
	t.mu.Unlock()
	if apiKey == "" {
		return nil, pkgerrors.NewTransportDisconnected(nil)
	}

	endpoint, err := t.endpoint(name, apiKey)
	if err != nil {
		return nil, err
	}
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, pkgerrors.NewUnauthorizedError("realtime server rejected the credentials")
			case http.StatusForbidden:
				return nil, pkgerrors.NewPermissionDenied("no access to space " + name)
			case http.StatusNotFound:
				return nil, pkgerrors.ErrBoardNotFound
			}
		}
		return nil, pkgerrors.NewTransportDisconnected(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(welcomeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, pkgerrors.NewTransportDisconnected(err)
	}
	welcome, err := protocol.Decode(data)
	if err != nil || welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, pkgerrors.NewTransportDisconnected(err)
	}

	s := newSpace(t, conn, name, welcome.ConnectionID)
	t.mu.Lock()
	t.open[s] = struct{}{}
	t.mu.Unlock()
	go s.readLoop()

	t.logger.Debug("Joined remote space",
		zap.String("space", name),
		zap.String("connectionID", s.connID),
	)
	return s, nil
}

// Close drops every socket and forgets the credential
func (t *Transport) Close() error {
	t.mu.Lock()
	open := make([]*Space, 0, len(t.open))
	for s := range t.open {
		open = append(open, s)
	}
	t.apiKey = ""
	t.mu.Unlock()
	for _, s := range open {
		s.drop(nil)
	}
	return nil
}

func (t *Transport) forget(s *Space) {
	t.mu.Lock()
	delete(t.open, s)
	t.mu.Unlock()
}

// Space is one socket to a remote space
type Space struct {
	t      *Transport
	conn   *websocket.Conn
	name   string
	connID string
	stream *events.Stream
	log    *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextRef uint64
	pending map[string]chan protocol.Frame
	err     error
	done    chan struct{}
	once    sync.Once
}

var _ ports.Space = (*Space)(nil)

func newSpace(t *Transport, conn *websocket.Conn, name, connID string) *Space {
	return &Space{
		t:       t,
		conn:    conn,
		name:    name,
		connID:  connID,
		stream:  events.NewStream(),
		log:     t.logger.With(zap.String("space", name), zap.String("connectionID", connID)),
		pending: make(map[string]chan protocol.Frame),
		done:    make(chan struct{}),
	}
}

func (s *Space) Name() string          { return s.name }
func (s *Space) ConnectionID() string  { return s.connID }
func (s *Space) Done() <-chan struct{} { return s.done }

func (s *Space) readLoop() {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.drop(err)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("Ignoring malformed frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case protocol.TypeEvent:
			if f.Event != nil {
				s.stream.Publish(*f.Event)
			}
		case protocol.TypeReply, protocol.TypeError:
			s.mu.Lock()
			ch, ok := s.pending[f.Ref]
			delete(s.pending, f.Ref)
			s.mu.Unlock()
			if ok {
				ch <- f
			} else if f.Error != nil {
				s.log.Debug("Unsolicited error", zap.String("code", f.Error.Code), zap.String("message", f.Error.Message))
			}
		}
	}
}

// drop tears the socket down and fails every waiting request.
func (s *Space) drop(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = pkgerrors.NewTransportDisconnected(cause)
		s.pending = make(map[string]chan protocol.Frame)
		s.mu.Unlock()

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()

		close(s.done)
		s.stream.Close()
		s.t.forget(s)
		if cause != nil {
			s.log.Info("Remote space connection lost", zap.Error(cause))
		}
	})
}

func (s *Space) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return pkgerrors.NewInternalError("encode frame").WithCause(err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		go s.drop(err)
		return pkgerrors.NewTransportDisconnected(err)
	}
	return nil
}

// request sends f and waits for the matching reply
func (s *Space) request(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return protocol.Frame{}, err
	}
	s.nextRef++
	f.Ref = strconv.FormatUint(s.nextRef, 10)
	f.Space = s.name
	ch := make(chan protocol.Frame, 1)
	s.pending[f.Ref] = ch
	s.mu.Unlock()

	if err := s.write(f); err != nil {
		return protocol.Frame{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			if reply.Error == nil {
				return reply, pkgerrors.NewInternalError("realtime server sent an error frame without a body")
			}
			return reply, reply.Error.Err()
		}
		return reply, nil
	case <-s.done:
		return protocol.Frame{}, pkgerrors.NewTransportDisconnected(nil)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, f.Ref)
		s.mu.Unlock()
		return protocol.Frame{}, ctx.Err()
	}
}

func (s *Space) Enter(ctx context.Context, member identity.Identity) error {
	_, err := s.request(ctx, protocol.Frame{Type: protocol.TypeEnter, Member: &member})
	return err
}

// Leave exits the space and closes the socket
func (s *Space) Leave(ctx context.Context) error {
	_, err := s.request(ctx, protocol.Frame{Type: protocol.TypeLeave})
	s.drop(nil)
	return err
}

func (s *Space) Heartbeat(ctx context.Context) error {
	_, err := s.request(ctx, protocol.Frame{Type: protocol.TypeHeartbeat})
	return err
}

func (s *Space) Members(ctx context.Context) ([]entities.Participant, error) {
	reply, err := s.request(ctx, protocol.Frame{Type: protocol.TypeMembers})
	return reply.Members, err
}

func (s *Space) Locks(ctx context.Context) ([]entities.NodeLock, error) {
	reply, err := s.request(ctx, protocol.Frame{Type: protocol.TypeLocks})
	return reply.Locks, err
}

func (s *Space) AcquireLock(ctx context.Context, nodeID string) (entities.NodeLock, error) {
	reply, err := s.request(ctx, protocol.Frame{Type: protocol.TypeAcquire, NodeID: nodeID})
	if err != nil {
		return entities.NodeLock{}, err
	}
	if reply.Lock == nil {
		return entities.NodeLock{}, pkgerrors.NewInternalError("lock reply without a lock")
	}
	return *reply.Lock, nil
}

func (s *Space) ReleaseLock(ctx context.Context, nodeID string) error {
	_, err := s.request(ctx, protocol.Frame{Type: protocol.TypeRelease, NodeID: nodeID})
	return err
}

// SetCursor writes without waiting for a reply
func (s *Space) SetCursor(ctx context.Context, pos valueobjects.Position) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.write(protocol.Frame{Type: protocol.TypeCursor, Space: s.name, Cursor: &pos})
}

func (s *Space) Publish(ctx context.Context, evt events.Event) error {
	_, err := s.request(ctx, protocol.Frame{Type: protocol.TypePublish, Event: &evt})
	return err
}

// Subscribe streams events received on this socket. The subscription ends
// when the socket closes.
func (s *Space) Subscribe(categories ...events.Category) *events.Subscription {
	return s.stream.Subscribe(s.t.cfg.SubscriberBuffer, categories...)
}
