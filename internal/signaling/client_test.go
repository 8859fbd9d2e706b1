package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelaySequence(t *testing.T) {
	require.Equal(t, 1000*time.Millisecond, backoffDelay(1))
	require.Equal(t, 2000*time.Millisecond, backoffDelay(2))
	require.Equal(t, 4000*time.Millisecond, backoffDelay(3))
	require.Equal(t, 30000*time.Millisecond, backoffDelay(6)) // would be 32000, capped
	require.Equal(t, 30000*time.Millisecond, backoffDelay(10))
}

func TestDispatchRoutesFramesToHandlers(t *testing.T) {
	var gotPeers []string
	var gotOfferFrom, gotOfferSDP string

	c := &Client{handlers: Handlers{
		OnPeers: func(ids []string) { gotPeers = ids },
		OnOffer: func(from, sdp string) { gotOfferFrom, gotOfferSDP = from, sdp },
	}}

	peers, _ := json.Marshal(Frame{Type: TypePeers, PeerIDs: []string{"x", "y"}})
	c.dispatch(peers)
	require.Equal(t, []string{"x", "y"}, gotPeers)

	offer, _ := json.Marshal(Frame{Type: TypeOffer, From: "x", SDP: "v=0..."})
	c.dispatch(offer)
	require.Equal(t, "x", gotOfferFrom)
	require.Equal(t, "v=0...", gotOfferSDP)
}

func TestDispatchIgnoresMalformedJSON(t *testing.T) {
	called := false
	c := &Client{handlers: Handlers{OnPeers: func([]string) { called = true }}}
	c.dispatch([]byte("not json"))
	require.False(t, called)
}

// echoRelayServer starts a minimal stand-in relay that accepts the join frame and
// echoes back a peers frame, used to exercise Connect()'s happy path
// without depending on the full Relay implementation.
func echoRelayServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		_ = json.Unmarshal(data, &f)
		if f.Type != TypeJoin {
			return
		}
		reply, _ := json.Marshal(Frame{Type: TypePeers, PeerIDs: nil})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
		// keep the connection open briefly so the client's read loop has
		// something to block on.
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectSendsJoinAndFiresOnConnected(t *testing.T) {
	url := echoRelayServer(t)

	connected := make(chan struct{}, 1)
	var gotPeers bool
	client := NewClient(url, "", "room1", "peer-a", Handlers{
		OnConnected: func() { connected <- struct{}{} },
		OnPeers:     func([]string) { gotPeers = true },
	})

	require.NoError(t, client.Connect())
	defer client.Disconnect()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected was never called")
	}

	require.Eventually(t, func() bool { return gotPeers }, time.Second, 10*time.Millisecond)
}

func TestConnectSurfacesInitialDialFailure(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", "", "room1", "peer-a", Handlers{})
	err := client.Connect()
	require.Error(t, err)
}
