package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lumina-backend/domain/events"
	"lumina-backend/infrastructure/realtime/protocol"
	"lumina-backend/pkg/auth"
	pkgerrors "lumina-backend/pkg/errors"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Send buffer size
	sendBufferSize = 256

	// Deadline for one registry call made on behalf of a frame
	requestTimeout = 10 * time.Second
)

// Client is one websocket connection bound to one space
type Client struct {
	id     string
	user   *auth.UserContext
	space  string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	sub    *events.Subscription
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newClient(s *Server, conn *websocket.Conn, user *auth.UserContext, space, id string) *Client {
	return &Client{
		id:     id,
		user:   user,
		space:  space,
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: s.logger.With(
			zap.String("userID", user.UserID),
			zap.String("space", space),
			zap.String("connectionID", id),
		),
	}
}

// start subscribes before anything else so the client sees its own enter.
func (c *Client) start() {
	c.sub = c.server.registry.Subscribe(c.space)
	c.enqueue(protocol.Frame{Type: protocol.TypeWelcome, Space: c.space, ConnectionID: c.id})

	c.wg.Add(2)
	go c.writePump()
	go c.forward()
	go c.readPump()
}

// readPump handles request frames until the socket fails, then leaves the space.
func (c *Client) readPump() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := c.server.registry.Leave(ctx, c.space, c.id); err != nil {
			c.logger.Warn("Leave on disconnect failed", zap.Error(err))
		}
		cancel()
		c.close()
		c.wg.Wait()
		c.conn.Close()
		c.server.closed(c)
		c.logger.Info("Read pump stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.server.metrics.FrameRejected("binary")
			continue
		}

		req, err := protocol.Decode(message)
		if err != nil {
			c.server.metrics.FrameRejected("malformed")
			c.enqueue(protocol.Fail(protocol.Frame{}, err))
			continue
		}
		if ok, _ := c.server.limiter.Allow(context.Background(), c.id); !ok && req.Type != protocol.TypeLeave {
			c.server.metrics.FrameRejected("rate_limited")
			if req.Ref != "" {
				c.enqueue(protocol.Fail(req, pkgerrors.ErrRateLimitExceeded))
			}
			continue
		}
		c.server.metrics.Frame(string(req.Type))

		reply, leave := c.handle(req)
		if req.Ref != "" || reply.Type == protocol.TypeError {
			c.enqueue(reply)
		}
		if leave {
			return
		}
	}
}

// handle runs one request against the registry. leave is true once the
// client asked to leave the space.
func (c *Client) handle(req protocol.Frame) (reply protocol.Frame, leave bool) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reg := c.server.registry
	reply = protocol.Reply(req)
	var err error

	switch req.Type {
	case protocol.TypeEnter:
		if req.Member == nil {
			err = pkgerrors.NewValidationError("member is required")
			break
		}
		if req.Member.ID != c.user.UserID {
			err = pkgerrors.NewPermissionDenied("member does not match the authenticated user")
			break
		}
		_, err = reg.Enter(ctx, c.space, c.id, *req.Member)
	case protocol.TypeLeave:
		err = reg.Leave(ctx, c.space, c.id)
		leave = true
	case protocol.TypeHeartbeat:
		err = reg.Heartbeat(ctx, c.space, c.id)
	case protocol.TypeMembers:
		reply.Members, err = reg.Members(ctx, c.space)
	case protocol.TypeLocks:
		reply.Locks, err = reg.Locks(ctx, c.space)
	case protocol.TypeAcquire:
		lock, aerr := reg.AcquireLock(ctx, c.space, c.id, req.NodeID)
		err = aerr
		if aerr == nil {
			reply.Lock = &lock
		}
		c.server.metrics.LockAttempt(lockOutcome(aerr))
	case protocol.TypeRelease:
		err = reg.ReleaseLock(ctx, c.space, c.id, req.NodeID)
	case protocol.TypeCursor:
		if req.Cursor == nil {
			err = pkgerrors.NewValidationError("cursor is required")
			break
		}
		err = reg.SetCursor(ctx, c.space, c.id, *req.Cursor)
	case protocol.TypePublish:
		if req.Event == nil {
			err = pkgerrors.NewValidationError("event is required")
			break
		}
		err = reg.Publish(ctx, c.space, c.id, *req.Event)
	default:
		err = pkgerrors.NewValidationError("unknown frame type " + string(req.Type))
	}

	if err != nil {
		c.logger.Debug("Request failed", zap.String("type", string(req.Type)), zap.Error(err))
		return protocol.Fail(req, err), leave
	}
	return reply, leave
}

func lockOutcome(err error) string {
	switch {
	case err == nil:
		return "granted"
	case pkgerrors.IsLockDenied(err):
		return "denied"
	default:
		return "error"
	}
}

// forward relays space events to the socket
func (c *Client) forward() {
	defer c.wg.Done()
	defer c.sub.Close()
	for {
		select {
		case evt, ok := <-c.sub.C():
			if !ok {
				return
			}
			e := evt
			c.enqueue(protocol.Frame{Type: protocol.TypeEvent, Space: c.space, Event: &e})
		case <-c.done:
			return
		}
	}
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// disconnected; cursor events are simply dropped.
func (c *Client) enqueue(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		if f.Event != nil && f.Event.Kind.Droppable() {
			return
		}
		c.logger.Warn("Send buffer full, closing connection")
		c.close()
	}
}

// writePump pumps messages to the WebSocket connection
func (c *Client) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, such as the reply to a leave.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// close stops the pumps; the read pump then unwinds the connection.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// unblocks ReadMessage when the close came from this side
		_ = c.conn.SetReadDeadline(time.Now())
	})
}
