package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

const spotPingInterval = 20 * time.Second

// SpotStream is the spot venue's private order stream: authenticated
// websocket, "order" topic, reconnect with backoff. Events() stays open
// across reconnects.
type SpotStream struct {
	wsURL     string
	apiKey    string
	apiSecret string
	events    chan types.OrderEvent
	dial      wsDialer
	now       func() time.Time
}

var _ types.VenueStream = (*SpotStream)(nil)

// NewSpotStreamOptions contains options for creating a SpotStream.
type NewSpotStreamOptions struct {
	WSURL     string
	APIKey    string
	APISecret string
}

// NewSpotStream creates the spot order stream.
func NewSpotStream(options NewSpotStreamOptions) (*SpotStream, error) {
	if options.WSURL == "" {
		return nil, errors.New("spot websocket URL is required")
	}
	if options.APIKey == "" || options.APISecret == "" {
		return nil, errors.New("spot API credentials are required")
	}
	return &SpotStream{
		wsURL:     options.WSURL,
		apiKey:    options.APIKey,
		apiSecret: options.APISecret,
		events:    make(chan types.OrderEvent, streamBuffer),
		dial:      gorillaDial,
		now:       time.Now,
	}, nil
}

// Venue implements types.VenueStream.
func (s *SpotStream) Venue() types.Venue { return types.VenueSpot }

// Events implements types.VenueStream.
func (s *SpotStream) Events() <-chan types.OrderEvent { return s.events }

// Run implements types.VenueStream. It blocks until ctx is done, reconnecting
// on transport failure.
func (s *SpotStream) Run(ctx context.Context) error {
	policy := newStreamBackOff()
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			policy = newStreamBackOff()
			wait = policy.NextBackOff()
		}
		logging.Logger.Warn("spot stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// spotStreamMessage is the envelope of every inbound frame: operation acks
// carry op/success, data frames carry topic/data.
type spotStreamMessage struct {
	Op      string            `json:"op"`
	Success *bool             `json:"success"`
	RetMsg  string            `json:"ret_msg"`
	Topic   string            `json:"topic"`
	Data    []json.RawMessage `json:"data"`
}

// spotStreamOrder is one order item on the "order" topic.
type spotStreamOrder struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderStatus  string `json:"orderStatus"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecFee   string `json:"cumExecFee"`
	CumExecValue string `json:"cumExecValue"`
	AvgPrice     string `json:"avgPrice"`
	RejectReason string `json:"rejectReason"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (s *SpotStream) session(ctx context.Context) error {
	conn, err := s.dial(ctx, s.wsURL)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepAlive(sessionCtx, conn, spotPingInterval, map[string]string{"op": "ping"})

	// Auth: signature over "GET/realtime" + expiry, then topic subscription.
	expires := s.now().Add(time.Minute).UnixMilli()
	sig := hmacSHA256Hex(s.apiSecret, fmt.Sprintf("GET/realtime%d", expires))
	if err := conn.WriteJSON(map[string]any{
		"op":   "auth",
		"args": []any{s.apiKey, expires, sig},
	}); err != nil {
		return errors.Wrap(err, "sending spot auth")
	}
	if err := conn.WriteJSON(map[string]any{
		"op":   "subscribe",
		"args": []string{"order"},
	}); err != nil {
		return errors.Wrap(err, "subscribing to spot orders")
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "reading spot stream")
		}
		var msg spotStreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Logger.Warn("unparseable spot stream frame", zap.Error(err))
			continue
		}
		if msg.Success != nil && !*msg.Success {
			return errors.Errorf("spot stream %s failed: %s", msg.Op, msg.RetMsg)
		}
		if msg.Topic != "order" {
			continue
		}
		for _, item := range msg.Data {
			event, err := normalizeSpotStreamOrder(item)
			if err != nil {
				logging.Logger.Warn("skipping malformed spot order event", zap.Error(err))
				continue
			}
			if err := emit(ctx, s.events, *event); err != nil {
				return err
			}
		}
	}
}

func normalizeSpotStreamOrder(raw json.RawMessage) (*types.OrderEvent, error) {
	var item spotStreamOrder
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	if item.OrderID == "" {
		return nil, errors.New("order event without order id")
	}
	price, err := util.ParseDecimal(item.Price)
	if err != nil {
		return nil, err
	}
	qty, err := util.ParseDecimal(item.Qty)
	if err != nil {
		return nil, err
	}
	execQty, err := util.ParseDecimal(item.CumExecQty)
	if err != nil {
		return nil, err
	}
	execFee, err := util.ParseDecimal(item.CumExecFee)
	if err != nil {
		return nil, err
	}
	execValue, err := util.ParseDecimal(item.CumExecValue)
	if err != nil {
		return nil, err
	}
	avg, err := util.ParseDecimal(item.AvgPrice)
	if err != nil {
		return nil, err
	}
	return &types.OrderEvent{
		Venue:        types.VenueSpot,
		VenueOrderID: item.OrderID,
		Symbol:       item.Symbol,
		Side:         normalizeSpotSide(item.Side),
		RawStatus:    item.OrderStatus,
		Status:       NormalizeSpotStatus(item.OrderStatus),
		Price:        price,
		Quantity:     qty,
		CumExecQty:   execQty,
		CumExecFee:   execFee,
		CumExecValue: execValue,
		AvgPrice:     avg,
		RejectReason: item.RejectReason,
		RawPayload:   append([]byte(nil), raw...),
		CreatedAt:    millisTime(item.CreatedTime),
		UpdatedAt:    millisTime(item.UpdatedTime),
	}, nil
}

// millisTime parses a millisecond-epoch string, zero time when absent.
func millisTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
