package collab

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

const repoTimeout = 10 * time.Second

func (s *Session) listen(sub *events.Subscription) {
	defer s.listening.Done()
	defer sub.Close()

	for evt := range sub.C() {
		switch evt.Kind.Category() {
		case events.CategoryLocks:
			s.locks.ApplyRemote(evt)
			if evt.Lock != nil {
				s.mirrorLock(evt.Lock.NodeID)
			}
		case events.CategoryNodes:
			s.applyRemoteNode(evt)
		case events.CategoryBoard:
			s.applyRemoteBoard(evt)
		case events.CategorySpace:
			s.resync()
			s.stream.Publish(evt)
		case events.CategoryMembers:
			s.track(evt)
			s.stream.Publish(evt)
		default:
			s.stream.Publish(evt)
		}
	}
}

func (s *Session) fromSelf(evt events.Event) bool {
	return evt.ConnectionID != "" && evt.ConnectionID == s.channel.ConnectionID()
}

// applyRemoteNode merges a peer's node change. Changes to a node the local
// user holds the lock on are ignored; otherwise the higher version wins.
func (s *Session) applyRemoteNode(evt events.Event) {
	if evt.Node == nil || s.fromSelf(evt) {
		return
	}
	nodeID := evt.Node.NodeID

	if evt.Kind == events.KindNodeDeleted {
		s.mu.Lock()
		_, ok := s.nodes[nodeID]
		delete(s.nodes, nodeID)
		delete(s.dirty, nodeID)
		s.mu.Unlock()
		if ok {
			s.stream.Publish(evt)
		}
		return
	}

	if lock, held := s.locks.Holder(nodeID); held && lock.Holder == s.me.ID {
		s.log.Debug("Ignoring remote change to a node we hold",
			zap.String("nodeID", nodeID),
			zap.String("from", evt.UserID),
			zap.Int("version", evt.Node.Version),
		)
		return
	}

	s.mu.Lock()
	changed := false
	if n, ok := s.nodes[nodeID]; ok {
		if evt.Kind == events.KindNodeReloaded {
			changed = n.Adopt(*evt.Node, evt.Timestamp)
		} else {
			changed = n.ApplyRemote(*evt.Node, evt.Timestamp)
		}
	} else if n, err := entities.ReconstructNode(snapshotOf(s.board.ID().String(), *evt.Node, evt.Timestamp)); err == nil {
		s.nodes[nodeID] = n
		changed = true
	} else {
		s.log.Debug("Dropping malformed remote node", zap.String("nodeID", nodeID), zap.Error(err))
	}
	if v, ok := s.dirty[nodeID]; ok && changed && evt.Node.Version >= v {
		delete(s.dirty, nodeID)
	}
	s.mu.Unlock()

	if changed {
		s.mirrorLock(nodeID)
		s.stream.Publish(evt)
	}
}

// applyRemoteBoard reloads the board when a peer saved a newer version.
func (s *Session) applyRemoteBoard(evt events.Event) {
	if evt.Board == nil || s.fromSelf(evt) {
		return
	}
	s.mu.RLock()
	current := s.board.Version()
	id := s.board.ID()
	s.mu.RUnlock()
	if evt.Board.Version <= current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()
	fresh, err := s.client.deps.Boards.GetByID(ctx, id)
	if err != nil {
		s.log.Warn("Failed to reload board", zap.Error(err))
		return
	}
	s.mu.Lock()
	if fresh.Version() > s.board.Version() {
		s.board = fresh
	}
	s.mu.Unlock()
	s.stream.Publish(evt)
}

// resync replaces lock state with the authoritative snapshot and merges node
// changes missed while disconnected.
func (s *Session) resync() {
	s.locks.Reset(s.channel.Snapshot().Locks)
	s.mirrorAllLocks()

	s.mu.RLock()
	boardID := s.board.ID()
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()
	stored, err := s.client.deps.Nodes.GetByBoard(ctx, boardID)
	if err != nil {
		s.log.Warn("Node refresh after resync failed", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(stored))
	s.mu.Lock()
	for _, n := range stored {
		id := n.ID().String()
		seen[id] = true
		if local, ok := s.nodes[id]; ok {
			if _, unsaved := s.dirty[id]; unsaved {
				local.ApplyRemote(n.Payload(), n.UpdatedAt())
			} else {
				local.Adopt(n.Payload(), n.UpdatedAt())
			}
			continue
		}
		s.nodes[id] = n
	}
	for id := range s.nodes {
		if _, unsaved := s.dirty[id]; !seen[id] && !unsaved {
			delete(s.nodes, id)
		}
	}
	s.mu.Unlock()
	s.mirrorAllLocks()

	s.log.Info("Board resynced", zap.Int("nodes", len(stored)))
}

// track keeps the identity roster in step with membership.
func (s *Session) track(evt events.Event) {
	r, ok := s.client.deps.Identity.(roster)
	if !ok || evt.Member == nil {
		return
	}
	switch evt.Kind {
	case events.KindMemberEnter, events.KindMemberUpdate:
		r.Add(identity.Identity{
			ID:       evt.Member.UserID,
			Name:     evt.Member.Name,
			Color:    evt.Member.Color,
			Guest:    identity.IsGuest(evt.Member.UserID),
			JoinedAt: evt.Member.JoinedAt,
		})
	case events.KindMemberLeave:
		for _, m := range s.channel.Snapshot().Members {
			if m.UserID == evt.Member.UserID {
				return
			}
		}
		r.Remove(evt.Member.UserID)
	}
}

func (s *Session) persistNode(ctx context.Context, payload any) error {
	snap, ok := payload.(entities.NodeSnapshot)
	if !ok {
		return pkgerrors.NewValidationError("unexpected node payload")
	}
	if err := s.client.deps.Nodes.Save(ctx, snap); err != nil {
		if pkgerrors.IsRetryable(err) {
			return pkgerrors.NewPersistFailure(err)
		}
		if errors.Is(err, pkgerrors.ErrStaleWrite) {
			s.reload(ctx, snap)
		}
		return err
	}

	s.mu.Lock()
	if v, ok := s.dirty[snap.NodeID]; ok && v <= snap.Version {
		delete(s.dirty, snap.NodeID)
	}
	s.mu.Unlock()

	evt := events.New(events.KindNodeMutated, s.space, s.client.now())
	evt.UserID = snap.LastModifiedBy
	payloadOut := payloadOf(snap)
	evt.Node = &payloadOut
	s.client.publish(ctx, []events.DomainEvent{evt})
	return nil
}

// reload replaces a node whose save lost to another participant's write with
// the stored state and tells peers still showing the losing edit.
func (s *Session) reload(ctx context.Context, lost entities.NodeSnapshot) {
	boardID, err := valueobjects.NewBoardIDFromString(lost.BoardID)
	if err != nil {
		return
	}
	nodeID, err := valueobjects.NewNodeIDFromString(lost.NodeID)
	if err != nil {
		return
	}
	stored, err := s.client.deps.Nodes.GetByID(ctx, boardID, nodeID)
	if err != nil {
		s.log.Warn("Failed to reload node after stale write",
			zap.String("nodeID", lost.NodeID),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	adopted := false
	if n, ok := s.nodes[lost.NodeID]; ok {
		adopted = n.Adopt(stored.Payload(), stored.UpdatedAt())
		if v, dirty := s.dirty[lost.NodeID]; dirty && v <= stored.Version() {
			delete(s.dirty, lost.NodeID)
		}
	}
	s.mu.Unlock()
	if !adopted {
		return
	}

	s.log.Info("Node reloaded after stale write",
		zap.String("nodeID", lost.NodeID),
		zap.Int("lostVersion", lost.Version),
		zap.Int("storedVersion", stored.Version()),
		zap.String("storedBy", stored.LastModifiedBy()),
	)
	s.mirrorLock(lost.NodeID)

	evt := events.New(events.KindNodeReloaded, s.space, stored.UpdatedAt())
	evt.UserID = s.me.ID
	payload := stored.Payload()
	evt.Node = &payload
	s.broadcast(ctx, []events.DomainEvent{evt})
}

func (s *Session) deleteNode(ctx context.Context, payload any) error {
	snap, ok := payload.(entities.NodeSnapshot)
	if !ok {
		return pkgerrors.NewValidationError("unexpected node payload")
	}
	boardID, err := valueobjects.NewBoardIDFromString(snap.BoardID)
	if err != nil {
		return pkgerrors.NewValidationError(err.Error())
	}
	nodeID, err := valueobjects.NewNodeIDFromString(snap.NodeID)
	if err != nil {
		return pkgerrors.NewValidationError(err.Error())
	}
	if err := s.client.deps.Nodes.Delete(ctx, boardID, nodeID); err != nil {
		return pkgerrors.NewPersistFailure(err)
	}

	evt := events.New(events.KindNodeDeleted, s.space, s.client.now())
	evt.UserID = s.me.ID
	payloadOut := payloadOf(snap)
	evt.Node = &payloadOut
	s.client.publish(ctx, []events.DomainEvent{evt})
	return nil
}

func (s *Session) persistBoard(ctx context.Context, payload any) error {
	snap, ok := payload.(entities.BoardSnapshot)
	if !ok {
		return pkgerrors.NewValidationError("unexpected board payload")
	}
	board, err := entities.ReconstructBoard(snap)
	if err != nil {
		return err
	}
	if err := s.client.deps.Boards.Save(ctx, board); err != nil {
		if pkgerrors.IsRetryable(err) {
			return pkgerrors.NewPersistFailure(err)
		}
		return err
	}

	evt := events.New(events.KindBoardSaved, s.space, s.client.now())
	evt.UserID = s.me.ID
	evt.Board = &events.BoardPayload{BoardID: snap.ID, Version: snap.Version}
	if err := s.channel.Publish(ctx, evt); err != nil {
		s.log.Debug("Board save not announced", zap.Error(err))
	}
	s.client.publish(ctx, []events.DomainEvent{evt})
	return nil
}

func payloadOf(s entities.NodeSnapshot) events.NodePayload {
	return events.NodePayload{
		NodeID:         s.NodeID,
		Type:           s.Type,
		Content:        s.Content,
		Options:        s.Options,
		Position:       s.Position,
		AIResponse:     s.AIResponse,
		CreatedBy:      s.CreatedBy,
		LastModifiedBy: s.LastModifiedBy,
		Version:        s.Version,
	}
}

func snapshotOf(boardID string, p events.NodePayload, at time.Time) entities.NodeSnapshot {
	return entities.NodeSnapshot{
		BoardID:        boardID,
		NodeID:         p.NodeID,
		Type:           p.Type,
		Content:        p.Content,
		Options:        p.Options,
		Position:       p.Position,
		AIResponse:     p.AIResponse,
		CreatedBy:      p.CreatedBy,
		LastModifiedBy: p.LastModifiedBy,
		Version:        p.Version,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}
