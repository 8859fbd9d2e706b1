package signaling

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) (wsURL string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewRelay().Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func dialRaw(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestRelayRejectsMissingToken(t *testing.T) {
	url := newTestRelay(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	ce, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4001, ce.Code)
}

func TestRelayJoinSendsPeersThenBroadcastsJoin(t *testing.T) {
	url := newTestRelay(t)

	a := dialRaw(t, url, "room1")
	sendFrame(t, a, Frame{Type: TypeJoin, PeerID: "a"})
	peersA := readFrame(t, a)
	require.Equal(t, TypePeers, peersA.Type)
	require.Empty(t, peersA.PeerIDs)

	b := dialRaw(t, url, "room1")
	sendFrame(t, b, Frame{Type: TypeJoin, PeerID: "b"})
	peersB := readFrame(t, b)
	require.Equal(t, TypePeers, peersB.Type)
	require.Equal(t, []string{"a"}, peersB.PeerIDs)

	joinEvent := readFrame(t, a)
	require.Equal(t, TypePeerJoin, joinEvent.Type)
	require.Equal(t, "b", joinEvent.PeerID)
}

func TestRelayForwardsOfferToTarget(t *testing.T) {
	url := newTestRelay(t)

	a := dialRaw(t, url, "room1")
	sendFrame(t, a, Frame{Type: TypeJoin, PeerID: "a"})
	readFrame(t, a) // peers

	b := dialRaw(t, url, "room1")
	sendFrame(t, b, Frame{Type: TypeJoin, PeerID: "b"})
	readFrame(t, b)       // peers
	readFrame(t, a)       // peer-join for b

	sendFrame(t, a, Frame{Type: TypeOffer, To: "b", SDP: "v=0..."})
	offer := readFrame(t, b)
	require.Equal(t, TypeOffer, offer.Type)
	require.Equal(t, "a", offer.From)
	require.Equal(t, "v=0...", offer.SDP)
}

func TestRelayForwardToUnknownTargetIsSilentlyDropped(t *testing.T) {
	url := newTestRelay(t)
	a := dialRaw(t, url, "room1")
	sendFrame(t, a, Frame{Type: TypeJoin, PeerID: "a"})
	readFrame(t, a)

	sendFrame(t, a, Frame{Type: TypeOffer, To: "ghost", SDP: "x"})

	_ = a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	require.Error(t, err) // timeout: nothing was forwarded back
}

func TestRelayBroadcastsPeerLeaveOnClose(t *testing.T) {
	url := newTestRelay(t)

	a := dialRaw(t, url, "room1")
	sendFrame(t, a, Frame{Type: TypeJoin, PeerID: "a"})
	readFrame(t, a)

	b := dialRaw(t, url, "room1")
	sendFrame(t, b, Frame{Type: TypeJoin, PeerID: "b"})
	readFrame(t, b)
	readFrame(t, a) // peer-join b

	require.NoError(t, b.Close())

	leave := readFrame(t, a)
	require.Equal(t, TypePeerLeave, leave.Type)
	require.Equal(t, "b", leave.PeerID)
}
