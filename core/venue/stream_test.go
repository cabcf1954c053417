package venue

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

// fakeConn replays scripted frames, then EOF. Writes are recorded for
// handshake assertions.
type fakeConn struct {
	mu     sync.Mutex
	frames []string
	idx    int
	wrote  []any
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.frames) {
		return 0, nil, io.EOF
	}
	frame := f.frames[f.idx]
	f.idx++
	return websocket.TextMessage, []byte(frame), nil
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, v)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) writes() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.wrote...)
}

func newTestSpotStream(t *testing.T, conn *fakeConn) *SpotStream {
	t.Helper()
	stream, err := NewSpotStream(NewSpotStreamOptions{
		WSURL:     "wss://example.test/private",
		APIKey:    "key",
		APISecret: "secret",
	})
	require.NoError(t, err)
	stream.dial = func(context.Context, string) (wsConn, error) { return conn, nil }
	return stream
}

func TestSpotStream_NormalizesOrderEvents(t *testing.T) {
	conn := &fakeConn{frames: []string{
		`{"op":"auth","success":true}`,
		`{"op":"subscribe","success":true}`,
		`{"topic":"order","data":[
			{"orderId":"spot-1","symbol":"BTCUSDT","side":"Buy","orderStatus":"New",
			 "price":"49999.9","qty":"0.002","cumExecQty":"0","cumExecFee":"0",
			 "createdTime":"1700000000000","updatedTime":"1700000000000"},
			{"orderId":"spot-2","symbol":"BTCUSDT","side":"Buy","orderStatus":"Rejected",
			 "rejectReason":"EC_PostOnlyWillTakeLiquidity"}
		]}`,
	}}
	stream := newTestSpotStream(t, conn)

	err := stream.session(context.Background())
	require.Error(t, err) // scripted EOF ends the session

	first := <-stream.Events()
	require.Equal(t, types.VenueSpot, first.Venue)
	require.Equal(t, "spot-1", first.VenueOrderID)
	require.Equal(t, types.StatusOpen, first.Status)
	require.Equal(t, "New", first.RawStatus)
	require.True(t, first.Price.Equal(util.MustDecimal("49999.9")))
	require.Equal(t, int64(1700000000), first.CreatedAt.Unix())
	require.NotEmpty(t, first.RawPayload)

	second := <-stream.Events()
	require.Equal(t, types.StatusRejected, second.Status)
	require.True(t, types.IsPostOnlyReject(second.RejectReason))
}

func TestSpotStream_SendsAuthThenSubscribe(t *testing.T) {
	conn := &fakeConn{}
	stream := newTestSpotStream(t, conn)

	_ = stream.session(context.Background())

	wrote := conn.writes()
	require.GreaterOrEqual(t, len(wrote), 2)
	auth := wrote[0].(map[string]any)
	require.Equal(t, "auth", auth["op"])
	args := auth["args"].([]any)
	require.Equal(t, "key", args[0])
	require.NotEmpty(t, args[2])

	sub := wrote[1].(map[string]any)
	require.Equal(t, "subscribe", sub["op"])
	require.Equal(t, []string{"order"}, sub["args"])
}

func TestSpotStream_AuthFailureEndsSession(t *testing.T) {
	conn := &fakeConn{frames: []string{
		`{"op":"auth","success":false,"ret_msg":"invalid signature"}`,
	}}
	stream := newTestSpotStream(t, conn)

	err := stream.session(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid signature")
}

func TestPerpStream_NormalizesOrderEvents(t *testing.T) {
	stream, err := NewPerpStream(NewPerpStreamOptions{
		WSURL:     "wss://example.test/stream",
		APIKey:    "key",
		APISecret: "secret",
	})
	require.NoError(t, err)

	conn := &fakeConn{frames: []string{
		`{"event":"pong"}`,
		`{"event":"df-order-update","data":{
			"id":"perp-1","pair":"B-BTC_USDT","side":"sell","order_type":"limit_order",
			"status":"partially_filled","price":50012.3,"total_quantity":0.002,
			"remaining_quantity":0.0015,"avg_price":50012.3,"fee_amount":0.0125,
			"created_at":1700000000000,"updated_at":1700000001000}}`,
	}}
	stream.dial = func(context.Context, string) (wsConn, error) { return conn, nil }

	err = stream.session(context.Background())
	require.Error(t, err)

	event := <-stream.Events()
	require.Equal(t, types.VenuePerp, event.Venue)
	require.Equal(t, "perp-1", event.VenueOrderID)
	require.Equal(t, types.StatusOpen, event.Status)
	require.Equal(t, "partially_filled", event.RawStatus)
	require.True(t, event.CumExecQty.Equal(util.MustDecimal("0.0005")))
	require.True(t, event.CumExecFee.Equal(util.MustDecimal("0.0125")))
	require.Equal(t, int64(1700000001), event.UpdatedAt.Unix())

	wrote := conn.writes()
	require.GreaterOrEqual(t, len(wrote), 1)
	join := wrote[0].(map[string]any)
	require.Equal(t, "join", join["event"])
}

func TestPerpStream_SkipsMalformedFrames(t *testing.T) {
	stream, err := NewPerpStream(NewPerpStreamOptions{
		WSURL:     "wss://example.test/stream",
		APIKey:    "key",
		APISecret: "secret",
	})
	require.NoError(t, err)

	conn := &fakeConn{frames: []string{
		`not json`,
		`{"event":"df-order-update","data":{"pair":"B-BTC_USDT"}}`,
		`{"event":"df-order-update","data":{"id":"perp-2","pair":"B-BTC_USDT","status":"filled",
			"total_quantity":0.002,"remaining_quantity":0}}`,
	}}
	stream.dial = func(context.Context, string) (wsConn, error) { return conn, nil }

	_ = stream.session(context.Background())

	event := <-stream.Events()
	require.Equal(t, "perp-2", event.VenueOrderID)
	require.Equal(t, types.StatusFilled, event.Status)
	require.Len(t, stream.Events(), 0)
}
