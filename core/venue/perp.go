package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/basisflow/hedge-engine/core/types"
)

// PerpGateway fronts the perpetual-futures venue. Private calls are POSTs
// whose JSON body carries a millisecond timestamp and is signed whole; the
// venue offers no post-only flag, and price amendment may be refused per
// instrument, in which case callers fall back to cancel+replace.
type PerpGateway struct {
	baseURL   string
	apiKey    string
	apiSecret string
	transport *transport
	now       func() time.Time
}

var _ types.VenueGateway = (*PerpGateway)(nil)

// NewPerpGatewayOptions contains options for creating a PerpGateway.
type NewPerpGatewayOptions struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	RequestsPerSecond float64
}

// NewPerpGateway creates the perp venue gateway.
func NewPerpGateway(options NewPerpGatewayOptions) (*PerpGateway, error) {
	if options.BaseURL == "" {
		return nil, errors.New("perp base URL is required")
	}
	if options.APIKey == "" || options.APISecret == "" {
		return nil, errors.New("perp API credentials are required")
	}
	return &PerpGateway{
		baseURL:   strings.TrimRight(options.BaseURL, "/"),
		apiKey:    options.APIKey,
		apiSecret: options.APISecret,
		transport: newTransport(types.VenuePerp, options.RequestsPerSecond),
		now:       time.Now,
	}, nil
}

// Name implements types.VenueGateway.
func (g *PerpGateway) Name() types.Venue { return types.VenuePerp }

// AmendSupported implements types.VenueGateway. The venue exposes an edit
// endpoint but refuses it for some instruments; optimistically true, with
// ErrAmendNotSupported surfaced per call when refused.
func (g *PerpGateway) AmendSupported() bool { return true }

// signedPOST builds a body-signed POST request. The timestamp lives inside
// the body, so the whole body is rebuilt and re-signed on every attempt.
func (g *PerpGateway) signedPOST(path string, payload map[string]any) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		payload["timestamp"] = g.now().UnixMilli()
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, g.baseURL+path, strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-AUTH-APIKEY", g.apiKey)
		req.Header.Set("X-AUTH-SIGNATURE", hmacSHA256Hex(g.apiSecret, string(body)))
		return req, nil
	}
}

// perpAPIError is the venue's refusal body.
type perpAPIError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// refusalMessage extracts the venue message from a 4xx body, empty when the
// body is not the standard error shape.
func refusalMessage(body []byte) string {
	var apiErr perpAPIError
	if json.Unmarshal(body, &apiErr) == nil {
		return apiErr.Message
	}
	return ""
}

// SubmitOrder implements types.VenueGateway. Market order quantities are
// base-denominated natively on this venue, so BaseUnits needs no translation.
func (g *PerpGateway) SubmitOrder(ctx context.Context, input types.SubmitOrderInput) (string, error) {
	if err := input.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid submit input")
	}
	if input.PostOnly {
		return "", errors.New("perp venue does not support post-only")
	}

	order := map[string]any{
		"side":           string(input.Side),
		"pair":           input.Symbol,
		"order_type":     perpOrderType(input.Type),
		"total_quantity": input.Quantity.String(),
		"leverage":       1,
		"time_in_force":  "good_till_cancel",
	}
	if input.Type == types.OrderTypeLimit {
		order["price"] = input.Price.String()
	}

	body, err := g.transport.do(ctx, "submit", g.signedPOST("/exchange/v1/derivatives/futures/orders/create", map[string]any{
		"order": order,
	}))
	if err != nil {
		return "", perpRefusal(err, "submit")
	}

	created, err := decodePerpOrders(body)
	if err != nil {
		return "", errors.Wrap(err, "decoding perp submit response")
	}
	if len(created) == 0 || created[0].ID == "" {
		return "", errors.New("perp submit returned no order id")
	}
	return created[0].ID, nil
}

// AmendOrder implements types.VenueGateway. A 422 refusal or an "edit not
// supported" message maps to ErrAmendNotSupported so the caller substitutes
// cancel+replace.
func (g *PerpGateway) AmendOrder(ctx context.Context, input types.AmendOrderInput) error {
	if err := input.Validate(); err != nil {
		return errors.Wrap(err, "invalid amend input")
	}
	_, err := g.transport.do(ctx, "amend", g.signedPOST("/exchange/v1/derivatives/futures/orders/edit_price", map[string]any{
		"id":    input.VenueOrderID,
		"price": input.NewPrice.String(),
	}))
	if err == nil {
		return nil
	}

	var he *httpError
	if errors.As(err, &he) {
		msg := refusalMessage(he.body)
		if he.status == http.StatusUnprocessableEntity || strings.Contains(msg, "not supported") {
			return types.ErrAmendNotSupported
		}
		if isPerpNotFound(he.status, msg) {
			return types.ErrOrderNotFound
		}
	}
	return perpRefusal(err, "amend")
}

// CancelOrder implements types.VenueGateway.
func (g *PerpGateway) CancelOrder(ctx context.Context, input types.CancelOrderInput) error {
	if err := input.Validate(); err != nil {
		return errors.Wrap(err, "invalid cancel input")
	}
	_, err := g.transport.do(ctx, "cancel", g.signedPOST("/exchange/v1/derivatives/futures/orders/cancel", map[string]any{
		"id": input.VenueOrderID,
	}))
	if err == nil {
		return nil
	}
	var he *httpError
	if errors.As(err, &he) && isPerpNotFound(he.status, refusalMessage(he.body)) {
		return types.ErrOrderNotFound
	}
	return perpRefusal(err, "cancel")
}

// OpenOrders implements types.VenueGateway.
func (g *PerpGateway) OpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error) {
	body, err := g.transport.do(ctx, "open_orders", g.signedPOST("/exchange/v1/derivatives/futures/orders", map[string]any{
		"status": "open",
		"page":   "1",
		"size":   "100",
	}))
	if err != nil {
		return nil, perpRefusal(err, "open_orders")
	}
	payloads, err := decodePerpOrders(body)
	if err != nil {
		return nil, errors.Wrap(err, "decoding perp open orders")
	}
	orders := make([]types.VenueOrder, 0, len(payloads))
	for i := range payloads {
		if payloads[i].Pair != symbol {
			continue
		}
		order, err := payloads[i].toVenueOrder()
		if err != nil {
			return nil, errors.Wrap(err, "malformed open order")
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// OrderHistory implements types.VenueGateway.
func (g *PerpGateway) OrderHistory(ctx context.Context, symbol, venueOrderID string) (*types.VenueOrder, error) {
	body, err := g.transport.do(ctx, "order_status", g.signedPOST("/exchange/v1/derivatives/futures/orders/status", map[string]any{
		"id": venueOrderID,
	}))
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && isPerpNotFound(he.status, refusalMessage(he.body)) {
			return nil, types.ErrOrderNotFound
		}
		return nil, perpRefusal(err, "order_status")
	}
	var payload perpOrderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "decoding perp order status")
	}
	if payload.ID == "" {
		return nil, types.ErrOrderNotFound
	}
	return payload.toVenueOrder()
}

// InstrumentPrecision implements types.VenueGateway.
func (g *PerpGateway) InstrumentPrecision(ctx context.Context, symbol string) (int32, int32, error) {
	query := url.Values{}
	query.Set("pair", symbol)
	build := func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet,
			g.baseURL+"/exchange/v1/derivatives/futures/data/instrument?"+query.Encode(), nil)
	}
	body, err := g.transport.do(ctx, "instrument_info", build)
	if err != nil {
		return 0, 0, perpRefusal(err, "instrument_info")
	}
	var result struct {
		Instrument struct {
			QuantityIncrement string `json:"quantity_increment"`
			PriceIncrement    string `json:"price_increment"`
		} `json:"instrument"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, 0, errors.Wrap(err, "decoding perp instrument info")
	}
	qty, err := decimalPlaces(result.Instrument.QuantityIncrement)
	if err != nil {
		return 0, 0, errors.Wrap(err, "parsing quantity increment")
	}
	price, err := decimalPlaces(result.Instrument.PriceIncrement)
	if err != nil {
		return 0, 0, errors.Wrap(err, "parsing price increment")
	}
	return qty, price, nil
}

// ═══════════════════════════════════════════════════════════════
// PAYLOADS AND NORMALIZATION
// ═══════════════════════════════════════════════════════════════

// perpOrderPayload is one order as the venue reports it. Numeric fields
// arrive as JSON numbers.
type perpOrderPayload struct {
	ID                string      `json:"id"`
	Pair              string      `json:"pair"`
	Side              string      `json:"side"`
	OrderType         string      `json:"order_type"`
	Status            string      `json:"status"`
	Price             json.Number `json:"price"`
	TotalQuantity     json.Number `json:"total_quantity"`
	RemainingQuantity json.Number `json:"remaining_quantity"`
	AvgPrice          json.Number `json:"avg_price"`
	FeeAmount         json.Number `json:"fee_amount"`
}

func (p *perpOrderPayload) toVenueOrder() (*types.VenueOrder, error) {
	price, err := numberDecimal(p.Price)
	if err != nil {
		return nil, err
	}
	total, err := numberDecimal(p.TotalQuantity)
	if err != nil {
		return nil, err
	}
	remaining, err := numberDecimal(p.RemainingQuantity)
	if err != nil {
		return nil, err
	}
	avg, err := numberDecimal(p.AvgPrice)
	if err != nil {
		return nil, err
	}
	fee, err := numberDecimal(p.FeeAmount)
	if err != nil {
		return nil, err
	}
	return &types.VenueOrder{
		VenueOrderID: p.ID,
		Symbol:       p.Pair,
		Side:         types.Side(p.Side),
		Type:         normalizePerpOrderType(p.OrderType),
		Status:       NormalizePerpStatus(p.Status),
		RawStatus:    p.Status,
		Price:        price,
		Quantity:     total,
		CumExecQty:   total.Sub(remaining),
		CumExecFee:   fee,
		AvgPrice:     avg,
	}, nil
}

// decodePerpOrders accepts both response shapes the venue uses: a bare array
// and an object wrapping one.
func decodePerpOrders(body []byte) ([]perpOrderPayload, error) {
	var list []perpOrderPayload
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Orders []perpOrderPayload `json:"orders"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Orders, nil
}

// NormalizePerpStatus maps the perp venue's order statuses onto the engine's
// set. "initial" is accepted-but-not-yet-resting.
func NormalizePerpStatus(raw string) types.OrderStatus {
	switch raw {
	case "initial":
		return types.StatusPlaced
	case "open", "partially_filled":
		return types.StatusOpen
	case "filled":
		return types.StatusFilled
	case "cancelled", "partially_cancelled":
		return types.StatusCancelled
	case "rejected":
		return types.StatusRejected
	default:
		return types.StatusPlaced
	}
}

func perpOrderType(t types.OrderType) string {
	if t == types.OrderTypeMarket {
		return "market_order"
	}
	return "limit_order"
}

func normalizePerpOrderType(raw string) types.OrderType {
	if raw == "market_order" {
		return types.OrderTypeMarket
	}
	return types.OrderTypeLimit
}

// isPerpNotFound reports whether a refusal means the order no longer exists.
func isPerpNotFound(status int, message string) bool {
	if status == http.StatusNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(message), "not found")
}

// perpRefusal rewraps a transport error so 4xx bodies surface their venue
// message instead of a bare status line.
func perpRefusal(err error, op string) error {
	var he *httpError
	if errors.As(err, &he) {
		if msg := refusalMessage(he.body); msg != "" {
			return errors.Errorf("perp %s refused: %s (HTTP %d)", op, msg, he.status)
		}
	}
	return err
}

// numberDecimal converts a venue JSON number, treating absent as zero.
func numberDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid number %q", n)
	}
	return d, nil
}
