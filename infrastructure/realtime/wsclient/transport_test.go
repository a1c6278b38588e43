package wsclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/realtime/protocol"
	"lumina-backend/infrastructure/realtime/wsclient"
	pkgerrors "lumina-backend/pkg/errors"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedServer answers every request frame with whatever respond returns.
// A token of "reject" is refused before the upgrade.
func scriptedServer(t *testing.T, respond func(req protocol.Frame) []protocol.Frame) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "reject" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		welcome, _ := protocol.Encode(protocol.Frame{
			Type:         protocol.TypeWelcome,
			Space:        r.URL.Query().Get("space"),
			ConnectionID: "conn-1",
		})
		if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			for _, out := range respond(req) {
				b, _ := protocol.Encode(out)
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func replyAll(req protocol.Frame) []protocol.Frame {
	return []protocol.Frame{protocol.Reply(req)}
}

func connect(t *testing.T, url, apiKey string) *wsclient.Transport {
	t.Helper()
	tr := wsclient.NewTransport(wsclient.Config{URL: url, HandshakeTimeout: time.Second}, zap.NewNop())
	require.NoError(t, tr.Connect(context.Background(), apiKey))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestConnect_RequiresKeyAndURL(t *testing.T) {
	ctx := context.Background()

	err := wsclient.NewTransport(wsclient.Config{URL: "ws://localhost:1"}, nil).Connect(ctx, "")
	assert.ErrorIs(t, err, pkgerrors.ErrConfiguration)

	err = wsclient.NewTransport(wsclient.Config{}, nil).Connect(ctx, "key")
	assert.ErrorIs(t, err, pkgerrors.ErrConfiguration)
}

func TestJoinSpace_BeforeConnect(t *testing.T) {
	tr := wsclient.NewTransport(wsclient.Config{URL: "ws://localhost:1"}, nil)
	_, err := tr.JoinSpace(context.Background(), "board-b1")
	assert.ErrorIs(t, err, pkgerrors.ErrTransportDisconnected)
}

func TestJoinSpace_RejectedCredentials(t *testing.T) {
	tr := connect(t, scriptedServer(t, replyAll), "reject")
	_, err := tr.JoinSpace(context.Background(), "board-b1")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsUnauthorized(err))
}

func TestJoinSpace_WelcomeSetsConnection(t *testing.T) {
	tr := connect(t, scriptedServer(t, replyAll), "token-1")
	space, err := tr.JoinSpace(context.Background(), "board-b1")
	require.NoError(t, err)

	assert.Equal(t, "board-b1", space.Name())
	assert.Equal(t, "conn-1", space.ConnectionID())
	require.NoError(t, space.Enter(context.Background(), identity.Identity{ID: "alice", Name: "Alice"}))
	require.NoError(t, space.Leave(context.Background()))

	select {
	case <-space.Done():
	case <-time.After(time.Second):
		t.Fatal("space not closed after leave")
	}
}

func TestRequest_ErrorFrameWithoutBodyFails(t *testing.T) {
	tr := connect(t, scriptedServer(t, func(req protocol.Frame) []protocol.Frame {
		return []protocol.Frame{{Type: protocol.TypeError, Ref: req.Ref, Space: req.Space}}
	}), "token-1")
	space, err := tr.JoinSpace(context.Background(), "board-b1")
	require.NoError(t, err)

	err = space.Enter(context.Background(), identity.Identity{ID: "alice", Name: "Alice"})
	require.Error(t, err)

	err = space.Publish(context.Background(), events.New(events.KindNodeMutated, "board-b1", t0))
	require.Error(t, err)
}

func TestRequest_ErrorFrameMapsToDomainError(t *testing.T) {
	tr := connect(t, scriptedServer(t, func(req protocol.Frame) []protocol.Frame {
		if req.Type == protocol.TypeAcquire {
			return []protocol.Frame{protocol.Fail(req, pkgerrors.NewLockDenied(req.NodeID, "bob", "Bob", t0))}
		}
		return replyAll(req)
	}), "token-1")
	space, err := tr.JoinSpace(context.Background(), "board-b1")
	require.NoError(t, err)

	_, err = space.AcquireLock(context.Background(), "n1")
	var denied *pkgerrors.LockDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "n1", denied.NodeID)
	assert.Equal(t, "bob", denied.Holder)
}

func TestAcquireLock_ReplyCarriesLock(t *testing.T) {
	tr := connect(t, scriptedServer(t, func(req protocol.Frame) []protocol.Frame {
		reply := protocol.Reply(req)
		if req.Type == protocol.TypeAcquire {
			reply.Lock = &entities.NodeLock{NodeID: req.NodeID, Holder: "alice", HolderName: "Alice", AcquiredAt: t0}
		}
		return []protocol.Frame{reply}
	}), "token-1")
	space, err := tr.JoinSpace(context.Background(), "board-b1")
	require.NoError(t, err)

	lock, err := space.AcquireLock(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.Holder)
	assert.NoError(t, space.ReleaseLock(context.Background(), "n1"))
}

func TestSubscribeReceivesServerEvents(t *testing.T) {
	tr := connect(t, scriptedServer(t, func(req protocol.Frame) []protocol.Frame {
		if req.Type == protocol.TypePublish && req.Event != nil {
			return []protocol.Frame{protocol.Reply(req), {Type: protocol.TypeEvent, Space: req.Space, Event: req.Event}}
		}
		return replyAll(req)
	}), "token-1")
	space, err := tr.JoinSpace(context.Background(), "board-b1")
	require.NoError(t, err)

	sub := space.Subscribe(events.CategoryNodes)
	defer sub.Close()

	evt := events.New(events.KindNodeMutated, "board-b1", t0)
	evt.Node = &events.NodePayload{NodeID: "n1", Content: "idea", Version: 2}
	require.NoError(t, space.Publish(context.Background(), evt))

	select {
	case got := <-sub.C():
		assert.Equal(t, events.KindNodeMutated, got.Kind)
		require.NotNil(t, got.Node)
		assert.Equal(t, "idea", got.Node.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCloseFailsLaterRequests(t *testing.T) {
	tr := connect(t, scriptedServer(t, replyAll), "token-1")
	space, err := tr.JoinSpace(context.Background(), "board-b1")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	select {
	case <-space.Done():
	case <-time.After(time.Second):
		t.Fatal("space not closed")
	}

	err = space.Heartbeat(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrTransportDisconnected)
	_, err = tr.JoinSpace(context.Background(), "board-b1")
	assert.ErrorIs(t, err, pkgerrors.ErrTransportDisconnected)
}
