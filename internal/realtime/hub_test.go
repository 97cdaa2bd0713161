package realtime

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attach wires a pipe-backed client into the hub, bypassing the HTTP
// upgrade, and returns the peer end for reading frames.
func attach(t *testing.T, h *Hub, workspaceID uuid.UUID) net.Conn {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	c := &client{
		id:          h.nextID.Add(1),
		workspaceID: workspaceID,
		conn:        server,
		send:        make(chan []byte, sendBufferSize),
	}
	h.register(c)
	go h.writePump(c)
	return peer
}

func readEnvelope(t *testing.T, peer net.Conn) envelope {
	t.Helper()
	peer.SetReadDeadline(time.Now().Add(time.Second))
	data, err := wsutil.ReadServerText(peer)
	require.NoError(t, err)
	var ev envelope
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestNotifyReachesWorkspaceClients(t *testing.T) {
	h := NewHub(zerolog.Nop())
	workspaceID := uuid.New()
	peer := attach(t, h, workspaceID)
	otherPeer := attach(t, h, uuid.New())

	h.Notify(workspaceID, "message.sent", map[string]string{"message_id": "m-1"})

	ev := readEnvelope(t, peer)
	assert.Equal(t, "message.sent", ev.Event)
	assert.NotZero(t, ev.Timestamp)

	otherPeer.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := wsutil.ReadServerText(otherPeer)
	assert.Error(t, err, "events must not leak across workspaces")
}

func TestNotifyWithoutClientsIsNoop(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Notify(uuid.New(), "message.sent", nil) // must not panic or block
}

func TestSlowClientDropsFramesInsteadOfBlocking(t *testing.T) {
	h := NewHub(zerolog.Nop())
	workspaceID := uuid.New()

	// A client whose write pump never runs: its buffer fills up.
	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	c := &client{
		id:          1,
		workspaceID: workspaceID,
		conn:        server,
		send:        make(chan []byte, 2),
	}
	h.register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Notify(workspaceID, "message.sent", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow client")
	}
	assert.Equal(t, int64(8), h.Dropped())
}

func TestClientCountAndShutdown(t *testing.T) {
	h := NewHub(zerolog.Nop())
	workspaceID := uuid.New()
	attach(t, h, workspaceID)
	attach(t, h, workspaceID)
	require.Equal(t, 2, h.ClientCount(workspaceID))

	h.Shutdown(context.Background())
	assert.Equal(t, 0, h.ClientCount(workspaceID))
}