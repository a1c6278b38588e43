package collab

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"lumina-backend/application/autosave"
	"lumina-backend/application/locks"
	"lumina-backend/application/presence"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

// SaveStatus is the autosave state as seen from a board
type SaveStatus struct {
	autosave.Status
	Durable bool `json:"durable"`
	Online  bool `json:"online"`
}

// NodeSpec describes a node to create
type NodeSpec struct {
	ID       string                `json:"id,omitempty"`
	Type     valueobjects.NodeType `json:"type,omitempty"`
	Content  string                `json:"content"`
	Options  []valueobjects.Option `json:"options,omitempty"`
	Position valueobjects.Position `json:"position"`
}

// Session is one user's live edit session on one board
type Session struct {
	client  *Client
	me      identity.Identity
	space   string
	channel *presence.Channel
	locks   *locks.Manager
	stream  *events.Stream
	log     *zap.Logger

	mu    sync.RWMutex
	board *entities.Board
	nodes map[string]*entities.Node
	// dirty holds the latest unsaved version per node
	dirty  map[string]int
	closed bool

	listening sync.WaitGroup
	leaveOnce sync.Once
	leaveErr  error
}

func newSession(c *Client, me identity.Identity, board *entities.Board, nodes []*entities.Node, channel *presence.Channel) *Session {
	space := board.ID().SpaceName()
	stream := events.NewStream()
	s := &Session{
		client:  c,
		me:      me,
		space:   space,
		channel: channel,
		stream:  stream,
		locks:   c.newLockManager(space, channel, stream),
		log:     c.logger.With(zap.String("boardID", board.ID().String()), zap.String("userID", me.ID)),
		board:   board,
		nodes:   make(map[string]*entities.Node, len(nodes)),
		dirty:   make(map[string]int),
	}
	for _, n := range nodes {
		s.nodes[n.ID().String()] = n
	}
	s.locks.Reset(channel.Snapshot().Locks)
	s.mirrorAllLocks()

	sub := channel.Events()
	s.listening.Add(1)
	go s.listen(sub)
	return s
}

// BoardID identifies the board
func (s *Session) BoardID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board.ID().String()
}

// Board returns the current board state.
func (s *Session) Board() entities.BoardSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board.Snapshot()
}

// Events subscribes to member, cursor, lock and node events for this board.
// Lock events reflect the local lock table, so echoes are never repeated.
func (s *Session) Events(categories ...events.Category) *events.Subscription {
	return s.stream.Subscribe(s.client.deps.Presence.SubscriberBuffer(), categories...)
}

// Members lists the participants on the board.
func (s *Session) Members() []entities.Participant {
	return s.channel.Snapshot().Members
}

// Locks lists the live node locks.
func (s *Session) Locks() []entities.NodeLock {
	return s.locks.Snapshot()
}

// SaveStatus reports the autosave state.
func (s *Session) SaveStatus() SaveStatus {
	return SaveStatus{
		Status:  s.client.deps.Scheduler.Status(),
		Durable: s.client.deps.Durable,
		Online:  s.channel.Online(),
	}
}

// Nodes returns every node ordered by id.
func (s *Session) Nodes() []entities.NodeSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entities.NodeSnapshot, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Node returns one node.
func (s *Session) Node(nodeID string) (entities.NodeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return entities.NodeSnapshot{}, pkgerrors.ErrNodeNotFound
	}
	return n.Snapshot(), nil
}

func (s *Session) lookup(nodeID string) (*entities.Node, *entities.Board, error) {
	if s.closed {
		return nil, nil, pkgerrors.ErrNotJoined
	}
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil, pkgerrors.ErrNodeNotFound
	}
	return n, s.board, nil
}

// RequestLock takes the edit lock on nodeID for the current user.
func (s *Session) RequestLock(ctx context.Context, nodeID string) (locks.Token, error) {
	s.mu.RLock()
	node, board, err := s.lookup(nodeID)
	if err == nil {
		err = authorizeEdit(s.me, node, board, s.client.now())
	}
	s.mu.RUnlock()
	if err != nil {
		return locks.Token{}, err
	}

	token, err := s.locks.Acquire(ctx, nodeID, s.me)
	s.mirrorLock(nodeID)
	if err != nil {
		var denied *pkgerrors.LockDeniedError
		if errors.As(err, &denied) {
			s.log.Debug("Lock denied", zap.String("nodeID", nodeID), zap.String("holder", denied.Holder))
		}
		return locks.Token{}, err
	}
	return token, nil
}

// ReleaseLock gives up the current user's lock on nodeID.
func (s *Session) ReleaseLock(ctx context.Context, nodeID string) error {
	err := s.locks.Release(ctx, nodeID, s.me.ID)
	s.mirrorLock(nodeID)
	return err
}

// Mutate applies patch to nodeID as the current user. The change is saved
// in the background and broadcast to peers. Holding the lock is not
// required, but a live lock held by someone else refuses the edit.
func (s *Session) Mutate(ctx context.Context, nodeID string, patch entities.NodePatch) (entities.NodeSnapshot, error) {
	now := s.client.now()

	s.mu.Lock()
	node, board, err := s.lookup(nodeID)
	if err != nil {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, err
	}
	if err := authorizeEdit(s.me, node, board, now); err != nil {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, err
	}
	if lock, held := s.locks.Holder(nodeID); held && lock.Holder != s.me.ID {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, pkgerrors.NewLockDenied(nodeID, lock.Holder, lock.HolderName, lock.AcquiredAt)
	}
	if err := node.ApplyPatch(patch, s.me.ID, now, s.client.cfg); err != nil {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, err
	}
	snap := node.Snapshot()
	pending := node.GetUncommittedEvents()
	node.MarkEventsAsCommitted()
	s.dirty[nodeID] = snap.Version
	s.mu.Unlock()

	s.client.deps.Scheduler.Enqueue(node.ID().SaveKey(), snap, s.persistNode)
	s.broadcast(ctx, pending)
	return snap, nil
}

// MoveNode changes only the position of nodeID.
func (s *Session) MoveNode(ctx context.Context, nodeID string, pos valueobjects.Position) (entities.NodeSnapshot, error) {
	return s.Mutate(ctx, nodeID, entities.NodePatch{Position: &pos})
}

// CreateNode adds a node. Only the board owner may create a seed.
func (s *Session) CreateNode(ctx context.Context, spec NodeSpec) (entities.NodeSnapshot, error) {
	now := s.client.now()
	cfg := s.client.cfg

	var id valueobjects.NodeID
	if spec.ID != "" {
		parsed, err := valueobjects.NewNodeIDFromString(spec.ID)
		if err != nil {
			return entities.NodeSnapshot{}, pkgerrors.NewValidationError(err.Error())
		}
		id = parsed
	}
	content, err := valueobjects.NewNodeContentWithConfig(spec.Content, spec.Options, cfg)
	if err != nil {
		return entities.NodeSnapshot{}, err
	}
	pos, err := valueobjects.NewPosition(spec.Position.X, spec.Position.Y)
	if err != nil {
		return entities.NodeSnapshot{}, pkgerrors.NewValidationError(err.Error())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, pkgerrors.ErrNotJoined
	}
	if !s.board.CanUserEdit(s.me.ID, now) {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, pkgerrors.NewPermissionDenied("no edit access to this board")
	}
	if spec.Type == valueobjects.NodeTypeSeed && !s.board.IsOwner(s.me.ID) {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, pkgerrors.NewPermissionDenied("only the board owner can create the seed node")
	}
	if len(s.nodes) >= cfg.MaxNodesPerBoard {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, pkgerrors.NewValidationError("board has too many nodes")
	}
	if _, exists := s.nodes[id.String()]; exists && !id.IsZero() {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, pkgerrors.NewConflictError("node already exists")
	}
	node, err := entities.NewNode(s.board.ID(), id, spec.Type, s.me.ID, content, pos, now)
	if err != nil {
		s.mu.Unlock()
		return entities.NodeSnapshot{}, err
	}
	s.nodes[node.ID().String()] = node
	snap := node.Snapshot()
	pending := node.GetUncommittedEvents()
	node.MarkEventsAsCommitted()
	s.dirty[snap.NodeID] = snap.Version
	s.mu.Unlock()

	s.client.deps.Scheduler.Enqueue(node.ID().SaveKey(), snap, s.persistNode)
	s.broadcast(ctx, pending)
	return snap, nil
}

// DeleteNode removes nodeID and every edge touching it. Only the board
// owner and the node's creator may delete.
func (s *Session) DeleteNode(ctx context.Context, nodeID string) error {
	now := s.client.now()

	s.mu.Lock()
	node, board, err := s.lookup(nodeID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !CanDeleteNode(s.me, node, board) {
		s.mu.Unlock()
		return pkgerrors.NewPermissionDenied("only the owner or creator can delete this node")
	}
	if lock, held := s.locks.Holder(nodeID); held && lock.Holder != s.me.ID {
		s.mu.Unlock()
		return pkgerrors.NewLockDenied(nodeID, lock.Holder, lock.HolderName, lock.AcquiredAt)
	}
	delete(s.nodes, nodeID)
	delete(s.dirty, nodeID)
	edgesBefore := len(board.Edges())
	board.DropEdgesFor(nodeID, now)
	boardSnap := board.Snapshot()
	board.MarkEventsAsCommitted()
	key := node.ID().SaveKey()
	evt := events.New(events.KindNodeDeleted, s.space, now)
	evt.UserID = s.me.ID
	payload := node.Payload()
	evt.Node = &payload
	s.mu.Unlock()

	if _, held := s.locks.Holder(nodeID); held {
		_ = s.locks.Release(ctx, nodeID, s.me.ID)
	}
	s.client.deps.Scheduler.Enqueue(key, node.Snapshot(), s.deleteNode)
	if edgesBefore != len(boardSnap.Edges) {
		s.client.deps.Scheduler.Enqueue(boardKey(boardSnap.ID), boardSnap, s.persistBoard)
	}
	s.broadcast(ctx, []events.DomainEvent{evt})
	return nil
}

// RenameBoard changes the board name.
func (s *Session) RenameBoard(ctx context.Context, name string) error {
	return s.editBoard(ctx, func(b *entities.Board) error {
		return b.Rename(name, s.client.now(), s.client.cfg)
	})
}

// SetEdges replaces the board's edges. Every endpoint must be a known node.
func (s *Session) SetEdges(ctx context.Context, edges []entities.Edge) error {
	return s.editBoard(ctx, func(b *entities.Board) error {
		exists := func(id string) bool { _, ok := s.nodes[id]; return ok }
		return b.ReplaceEdges(edges, exists, s.client.now(), s.client.cfg)
	})
}

func (s *Session) editBoard(ctx context.Context, edit func(*entities.Board) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pkgerrors.ErrNotJoined
	}
	if !s.board.CanUserEdit(s.me.ID, s.client.now()) {
		s.mu.Unlock()
		return pkgerrors.NewPermissionDenied("no edit access to this board")
	}
	if err := edit(s.board); err != nil {
		s.mu.Unlock()
		return err
	}
	snap := s.board.Snapshot()
	s.board.MarkEventsAsCommitted()
	s.mu.Unlock()

	s.client.deps.Scheduler.Enqueue(boardKey(snap.ID), snap, s.persistBoard)
	return nil
}

// Cursor shares the pointer position with peers. Invalid positions are ignored.
func (s *Session) Cursor(pos valueobjects.Position) {
	if _, err := valueobjects.NewPosition(pos.X, pos.Y); err != nil {
		return
	}
	s.channel.UpdateCursor(pos)
}

// ForceSave persists every unsaved node and waits for the result.
func (s *Session) ForceSave(ctx context.Context) error {
	s.mu.RLock()
	pending := make(map[string]entities.NodeSnapshot, len(s.dirty))
	for id := range s.dirty {
		if n, ok := s.nodes[id]; ok {
			pending[n.ID().SaveKey()] = n.Snapshot()
		}
	}
	s.mu.RUnlock()

	var errs []error
	for key, snap := range pending {
		if err := s.client.deps.Scheduler.ForceSave(ctx, key, snap, s.persistNode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// broadcast publishes local changes to this session's subscribers and to peers.
func (s *Session) broadcast(ctx context.Context, pending []events.DomainEvent) {
	for _, de := range pending {
		evt, ok := de.(events.Event)
		if !ok {
			continue
		}
		evt.ConnectionID = s.channel.ConnectionID()
		s.stream.Publish(evt)
		if err := s.channel.Publish(ctx, evt); err != nil {
			s.log.Warn("Change not broadcast; peers will catch up on resync",
				zap.String("kind", string(evt.Kind)),
				zap.Error(err),
			)
		}
	}
}

func (s *Session) mirrorLock(nodeID string) {
	lock, _ := s.locks.Holder(nodeID)
	s.mu.Lock()
	if n, ok := s.nodes[nodeID]; ok {
		n.MirrorLock(lock)
	}
	s.mu.Unlock()
}

func (s *Session) mirrorAllLocks() {
	held := make(map[string]entities.NodeLock)
	for _, l := range s.locks.Snapshot() {
		held[l.NodeID] = l
	}
	s.mu.Lock()
	for id, n := range s.nodes {
		n.MirrorLock(held[id])
	}
	s.mu.Unlock()
}

// leave saves pending edits, releases held locks and leaves the space.
func (s *Session) leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		var errs []error
		if err := s.ForceSave(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, nodeID := range s.locks.HeldBy(s.me.ID) {
			if err := s.locks.Release(ctx, nodeID, s.me.ID); err != nil {
				s.log.Warn("Failed to release lock on leave", zap.String("nodeID", nodeID), zap.Error(err))
			}
		}

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if err := s.channel.Leave(ctx); err != nil {
			errs = append(errs, err)
		}
		s.listening.Wait()
		s.locks.Clear()
		s.stream.Close()

		s.log.Info("Left board")
		s.leaveErr = errors.Join(errs...)
	})
	return s.leaveErr
}

func boardKey(boardID string) string {
	return "board-" + boardID
}
