package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

// TestWSTap covers the WebSocket mirror end to end: ping/pong liveness,
// an event frame, and the close handshake.
func TestWSTap(t *testing.T) {
	f := newTestGateway(t, "development")
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws://" + ts.Listener.Addr().String() + "/v1/ws?topics=vsm.*"
	conn, br, _, err := ws.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer conn.Close()

	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	reader := wsutil.NewReader(rw, ws.StateClientSide)

	next := func() ws.Header {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		head, err := reader.NextFrame()
		require.NoError(t, err)
		return head
	}

	// A pong reply proves the server loops are running, which also means
	// the subscription is registered and a publish cannot race it.
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpPing, nil))
	head := next()
	require.Equal(t, ws.OpPong, head.OpCode)
	if head.Length > 0 {
		_, err := io.CopyN(io.Discard, reader, head.Length)
		require.NoError(t, err)
	}

	f.events.Publish(tenantTopic("dev"), "vsm.s4.analysis.complete", []byte(`{"ok":true}`))

	head = next()
	require.Equal(t, ws.OpText, head.OpCode)
	payload := make([]byte, head.Length)
	_, err = io.ReadFull(reader, payload)
	require.NoError(t, err)

	var frame wsFrame
	require.NoError(t, json.Unmarshal(payload, &frame))
	require.Equal(t, "events:tenant:dev", frame.Topic)
	require.Equal(t, "vsm.s4.analysis.complete", frame.Type)
	require.JSONEq(t, `{"ok":true}`, string(frame.Data))
	require.NotEmpty(t, frame.ID)

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpClose, body))
	head = next()
	require.Equal(t, ws.OpClose, head.OpCode)
}

// TestWSBadTopics checks pattern validation rejects before the upgrade.
func TestWSBadTopics(t *testing.T) {
	f := newTestGateway(t, "development")
	rec := doJSON(t, f.handler, http.MethodGet, "/v1/ws?topics=Bad", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
