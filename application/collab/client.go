// Package collab is the entry point for editing a board together. A Client
// opens one Session per board; the session ties presence, locks, local node
// state and autosave together.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"lumina-backend/application/autosave"
	"lumina-backend/application/locks"
	"lumina-backend/application/ports"
	"lumina-backend/application/presence"
	"lumina-backend/domain/config"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

// Dependencies are the collaborators a Client needs. Publisher is optional.
type Dependencies struct {
	Identity  ports.IdentityProvider
	Presence  *presence.Service
	Boards    ports.BoardRepository
	Nodes     ports.NodeRepository
	Scheduler *autosave.Scheduler
	Publisher ports.EventPublisher
	Config    *config.DomainConfig
	Logger    *zap.Logger

	// Durable is false when the repositories only live in memory.
	Durable bool
}

// roster is implemented by identity registries that track other participants.
type roster interface {
	Add(identity.Identity)
	Remove(id string)
}

// Client opens board sessions for the current user
type Client struct {
	deps   Dependencies
	cfg    *config.DomainConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Client
type Option func(*Client)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient validates deps and starts reporting save failures.
func NewClient(deps Dependencies, opts ...Option) (*Client, error) {
	switch {
	case deps.Identity == nil:
		return nil, pkgerrors.NewConfigurationError("identity provider")
	case deps.Presence == nil:
		return nil, pkgerrors.NewConfigurationError("presence service")
	case deps.Boards == nil || deps.Nodes == nil:
		return nil, pkgerrors.NewConfigurationError("repositories")
	case deps.Scheduler == nil:
		return nil, pkgerrors.NewConfigurationError("save scheduler")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.reportFailures(deps.Scheduler.Failures())
	return c, nil
}

func (c *Client) reportFailures(failures <-chan autosave.Failure) {
	for f := range failures {
		c.logger.Warn("Autosave failed",
			zap.String("key", f.Key),
			zap.Int("attempt", f.Attempt),
			zap.Bool("willRetry", f.WillRetry),
			zap.Error(f.Err),
		)
	}
}

// Me returns the local participant.
func (c *Client) Me() identity.Identity {
	return c.deps.Identity.CurrentUser()
}

// CreateBoard creates and persists a board owned by the current user, with a
// seed node at the origin.
func (c *Client) CreateBoard(ctx context.Context, name string) (*entities.Board, error) {
	me := c.Me()
	now := c.now()
	board, err := entities.NewBoard(valueobjects.NewBoardID(), name, me.ID, now, c.cfg)
	if err != nil {
		return nil, err
	}
	content, err := valueobjects.NewNodeContentWithConfig(board.Name(), nil, c.cfg)
	if err != nil {
		return nil, err
	}
	seed, err := entities.NewNode(board.ID(), valueobjects.NewNodeID(), valueobjects.NodeTypeSeed, me.ID, content, valueobjects.Position{}, now)
	if err != nil {
		return nil, err
	}

	if err := c.deps.Boards.Save(ctx, board); err != nil {
		return nil, pkgerrors.NewPersistFailure(err)
	}
	if err := c.deps.Nodes.Save(ctx, seed.Snapshot()); err != nil {
		return nil, pkgerrors.NewPersistFailure(err)
	}
	c.publish(ctx, append(board.GetUncommittedEvents(), seed.GetUncommittedEvents()...))
	board.MarkEventsAsCommitted()
	seed.MarkEventsAsCommitted()

	c.logger.Info("Board created",
		zap.String("boardID", board.ID().String()),
		zap.String("ownerID", me.ID),
	)
	return board, nil
}

// JoinBoard opens a session on boardID. Joining a board twice returns the
// existing session.
func (c *Client) JoinBoard(ctx context.Context, boardID string) (*Session, error) {
	id, err := valueobjects.NewBoardIDFromString(boardID)
	if err != nil {
		return nil, pkgerrors.NewValidationError(err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id.String()]; ok {
		return s, nil
	}

	me := c.Me()
	board, err := c.deps.Boards.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !board.CanUserView(me.ID, c.now()) {
		return nil, pkgerrors.NewPermissionDenied("no access to this board")
	}
	nodes, err := c.deps.Nodes.GetByBoard(ctx, id)
	if err != nil {
		return nil, pkgerrors.NewPersistFailure(err)
	}

	channel, err := c.deps.Presence.Join(ctx, id.SpaceName(), me)
	if err != nil {
		return nil, err
	}

	s := newSession(c, me, board, nodes, channel)
	c.sessions[id.String()] = s

	c.logger.Info("Joined board",
		zap.String("boardID", id.String()),
		zap.String("userID", me.ID),
		zap.Bool("online", c.deps.Presence.Online()),
	)
	return s, nil
}

// LeaveBoard closes the session on boardID, saving pending edits and
// releasing locks. Leaving a board that is not joined is a no-op.
func (c *Client) LeaveBoard(ctx context.Context, boardID string) error {
	c.mu.Lock()
	s, ok := c.sessions[boardID]
	delete(c.sessions, boardID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return s.leave(ctx)
}

// Session returns the open session for boardID.
func (c *Client) Session(boardID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[boardID]
	return s, ok
}

// Close leaves every board.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	open := make([]*Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		open = append(open, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := s.leave(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) publish(ctx context.Context, evts []events.DomainEvent) {
	if c.deps.Publisher == nil || len(evts) == 0 {
		return
	}
	if err := c.deps.Publisher.PublishBatch(ctx, evts); err != nil {
		c.logger.Warn("Failed to publish domain events", zap.Int("count", len(evts)), zap.Error(err))
	}
}

func (c *Client) newLockManager(space string, channel *presence.Channel, stream *events.Stream) *locks.Manager {
	opts := []locks.Option{locks.WithClock(c.now), locks.WithLogger(c.logger)}
	if authority := channel.LockAuthority(); authority != nil {
		opts = append(opts, locks.WithAuthority(authority))
	}
	return locks.NewManager(space, c.cfg.LockTTL, stream, opts...)
}
