package venue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/types"
)

const (
	perpPingInterval = 25 * time.Second
	perpOrderEvent   = "df-order-update"
)

// PerpStream is the perp venue's private order stream. The venue
// authenticates a channel join with a signature over the channel payload and
// then pushes order updates as tagged events.
type PerpStream struct {
	wsURL     string
	apiKey    string
	apiSecret string
	events    chan types.OrderEvent
	dial      wsDialer
	now       func() time.Time
}

var _ types.VenueStream = (*PerpStream)(nil)

// NewPerpStreamOptions contains options for creating a PerpStream.
type NewPerpStreamOptions struct {
	WSURL     string
	APIKey    string
	APISecret string
}

// NewPerpStream creates the perp order stream.
func NewPerpStream(options NewPerpStreamOptions) (*PerpStream, error) {
	if options.WSURL == "" {
		return nil, errors.New("perp websocket URL is required")
	}
	if options.APIKey == "" || options.APISecret == "" {
		return nil, errors.New("perp API credentials are required")
	}
	return &PerpStream{
		wsURL:     options.WSURL,
		apiKey:    options.APIKey,
		apiSecret: options.APISecret,
		events:    make(chan types.OrderEvent, streamBuffer),
		dial:      gorillaDial,
		now:       time.Now,
	}, nil
}

// Venue implements types.VenueStream.
func (s *PerpStream) Venue() types.Venue { return types.VenuePerp }

// Events implements types.VenueStream.
func (s *PerpStream) Events() <-chan types.OrderEvent { return s.events }

// Run implements types.VenueStream.
func (s *PerpStream) Run(ctx context.Context) error {
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
		logging.Logger.Warn("perp stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// perpStreamMessage is the envelope of every inbound frame.
type perpStreamMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// perpStreamOrder is the order payload on df-order-update events. It shares
// the REST payload shape plus epoch timestamps.
type perpStreamOrder struct {
	perpOrderPayload
	RejectReason string `json:"reject_reason"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (s *PerpStream) session(ctx context.Context) error {
	conn, err := s.dial(ctx, s.wsURL)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepAlive(sessionCtx, conn, perpPingInterval, map[string]string{"event": "ping"})

	// Join the authenticated channel: the signature covers the channel
	// payload itself.
	channelPayload := `{"channel":"coindcx"}`
	if err := conn.WriteJSON(map[string]any{
		"event": "join",
		"payload": map[string]string{
			"channelName":   "coindcx",
			"apiKey":        s.apiKey,
			"authSignature": hmacSHA256Hex(s.apiSecret, channelPayload),
		},
	}); err != nil {
		return errors.Wrap(err, "joining perp channel")
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "reading perp stream")
		}
		var msg perpStreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Logger.Warn("unparseable perp stream frame", zap.Error(err))
			continue
		}
		if msg.Event != perpOrderEvent {
			continue
		}
		event, err := normalizePerpStreamOrder(msg.Data)
		if err != nil {
			logging.Logger.Warn("skipping malformed perp order event", zap.Error(err))
			continue
		}
		if err := emit(ctx, s.events, *event); err != nil {
			return err
		}
	}
}

func normalizePerpStreamOrder(raw json.RawMessage) (*types.OrderEvent, error) {
	var item perpStreamOrder
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, errors.New("order event without order id")
	}
	order, err := item.toVenueOrder()
	if err != nil {
		return nil, err
	}
	return &types.OrderEvent{
		Venue:        types.VenuePerp,
		VenueOrderID: order.VenueOrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		RawStatus:    order.RawStatus,
		Status:       order.Status,
		Price:        order.Price,
		Quantity:     order.Quantity,
		CumExecQty:   order.CumExecQty,
		CumExecFee:   order.CumExecFee,
		CumExecValue: order.CumExecQty.Mul(order.AvgPrice),
		AvgPrice:     order.AvgPrice,
		RejectReason: item.RejectReason,
		RawPayload:   append([]byte(nil), raw...),
		CreatedAt:    epochTime(item.CreatedAt),
		UpdatedAt:    epochTime(item.UpdatedAt),
	}, nil
}

// epochTime converts a millisecond epoch, zero time when absent.
func epochTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
