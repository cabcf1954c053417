package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

// spotRecvWindow is the request validity window the spot venue enforces, in
// milliseconds.
const spotRecvWindow = "5000"

// spotNotFoundCodes are the venue codes for "order does not exist", returned
// when cancelling or amending an order that already reached a terminal state.
var spotNotFoundCodes = map[int]bool{
	110001: true,
	170213: true,
}

// SpotGateway fronts the spot venue's v5-style REST surface: signed headers,
// JSON bodies, post-only and in-place amendment supported.
type SpotGateway struct {
	baseURL   string
	apiKey    string
	apiSecret string
	transport *transport
	now       func() time.Time
}

// Compile-time checks that SpotGateway implements the gateway surfaces.
var (
	_ types.VenueGateway  = (*SpotGateway)(nil)
	_ types.BalanceReader = (*SpotGateway)(nil)
)

// NewSpotGatewayOptions contains options for creating a SpotGateway.
type NewSpotGatewayOptions struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	RequestsPerSecond float64
}

// NewSpotGateway creates the spot venue gateway.
func NewSpotGateway(options NewSpotGatewayOptions) (*SpotGateway, error) {
	if options.BaseURL == "" {
		return nil, errors.New("spot base URL is required")
	}
	if options.APIKey == "" || options.APISecret == "" {
		return nil, errors.New("spot API credentials are required")
	}
	return &SpotGateway{
		baseURL:   strings.TrimRight(options.BaseURL, "/"),
		apiKey:    options.APIKey,
		apiSecret: options.APISecret,
		transport: newTransport(types.VenueSpot, options.RequestsPerSecond),
		now:       time.Now,
	}, nil
}

// Name implements types.VenueGateway.
func (g *SpotGateway) Name() types.Venue { return types.VenueSpot }

// AmendSupported implements types.VenueGateway. The spot venue amends prices
// in place.
func (g *SpotGateway) AmendSupported() bool { return true }

// spotEnvelope is the venue's uniform response wrapper.
type spotEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// signedGET builds a header-signed GET request; the signature covers
// timestamp + key + window + query.
func (g *SpotGateway) signedGET(path string, query url.Values) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		encoded := query.Encode()
		req, err := http.NewRequest(http.MethodGet, g.baseURL+path+"?"+encoded, nil)
		if err != nil {
			return nil, err
		}
		g.signHeaders(req, encoded)
		return req, nil
	}
}

// signedPOST builds a header-signed POST request; the signature covers
// timestamp + key + window + body.
func (g *SpotGateway) signedPOST(path string, payload any) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, g.baseURL+path, strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		g.signHeaders(req, string(body))
		return req, nil
	}
}

func (g *SpotGateway) signHeaders(req *http.Request, payload string) {
	ts := strconv.FormatInt(g.now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", g.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", spotRecvWindow)
	req.Header.Set("X-BAPI-SIGN", hmacSHA256Hex(g.apiSecret, ts+g.apiKey+spotRecvWindow+payload))
}

// call runs one signed request and unwraps the venue envelope. A non-zero
// retCode is a business refusal, not a transport failure; it is never retried
// here.
func (g *SpotGateway) call(ctx context.Context, op string, build func() (*http.Request, error), out any) error {
	body, err := g.transport.do(ctx, op, build)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && len(he.body) > 0 {
			// 4xx responses still carry the envelope; surface its message.
			var env spotEnvelope
			if json.Unmarshal(he.body, &env) == nil && env.RetMsg != "" {
				return errors.Errorf("spot %s refused: %s (code %d)", op, env.RetMsg, env.RetCode)
			}
		}
		return err
	}

	var env spotEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.Wrapf(err, "decoding spot %s response", op)
	}
	if env.RetCode != 0 {
		if spotNotFoundCodes[env.RetCode] || strings.Contains(env.RetMsg, "not exist") {
			return types.ErrOrderNotFound
		}
		return errors.Errorf("spot %s refused: %s (code %d)", op, env.RetMsg, env.RetCode)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return errors.Wrapf(err, "decoding spot %s result", op)
		}
	}
	return nil
}

// SubmitOrder implements types.VenueGateway.
func (g *SpotGateway) SubmitOrder(ctx context.Context, input types.SubmitOrderInput) (string, error) {
	if err := input.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid submit input")
	}

	payload := map[string]string{
		"category":  "spot",
		"symbol":    input.Symbol,
		"side":      spotSide(input.Side),
		"orderType": spotOrderType(input.Type),
		"qty":       input.Quantity.String(),
	}
	if input.Type == types.OrderTypeLimit {
		payload["price"] = input.Price.String()
		if input.PostOnly {
			payload["timeInForce"] = "PostOnly"
		} else {
			payload["timeInForce"] = "GTC"
		}
	}
	if input.Type == types.OrderTypeMarket && input.BaseUnits {
		// Market buys default to quote-denominated quantity; the engine
		// always sizes in the base asset.
		payload["marketUnit"] = "baseCoin"
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := g.call(ctx, "submit", g.signedPOST("/v5/order/create", payload), &result); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", errors.New("spot submit returned no order id")
	}
	return result.OrderID, nil
}

// AmendOrder implements types.VenueGateway.
func (g *SpotGateway) AmendOrder(ctx context.Context, input types.AmendOrderInput) error {
	if err := input.Validate(); err != nil {
		return errors.Wrap(err, "invalid amend input")
	}
	payload := map[string]string{
		"category": "spot",
		"symbol":   input.Symbol,
		"orderId":  input.VenueOrderID,
		"price":    input.NewPrice.String(),
	}
	return g.call(ctx, "amend", g.signedPOST("/v5/order/amend", payload), nil)
}

// CancelOrder implements types.VenueGateway.
func (g *SpotGateway) CancelOrder(ctx context.Context, input types.CancelOrderInput) error {
	if err := input.Validate(); err != nil {
		return errors.Wrap(err, "invalid cancel input")
	}
	payload := map[string]string{
		"category": "spot",
		"symbol":   input.Symbol,
		"orderId":  input.VenueOrderID,
	}
	return g.call(ctx, "cancel", g.signedPOST("/v5/order/cancel", payload), nil)
}

// spotOrderPayload is one order as the venue reports it over REST.
type spotOrderPayload struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	CumExecFee  string `json:"cumExecFee"`
	AvgPrice    string `json:"avgPrice"`
}

func (p *spotOrderPayload) toVenueOrder() (*types.VenueOrder, error) {
	price, err := util.ParseDecimal(p.Price)
	if err != nil {
		return nil, err
	}
	qty, err := util.ParseDecimal(p.Qty)
	if err != nil {
		return nil, err
	}
	execQty, err := util.ParseDecimal(p.CumExecQty)
	if err != nil {
		return nil, err
	}
	execFee, err := util.ParseDecimal(p.CumExecFee)
	if err != nil {
		return nil, err
	}
	avg, err := util.ParseDecimal(p.AvgPrice)
	if err != nil {
		return nil, err
	}
	return &types.VenueOrder{
		VenueOrderID: p.OrderID,
		Symbol:       p.Symbol,
		Side:         normalizeSpotSide(p.Side),
		Type:         normalizeSpotOrderType(p.OrderType),
		Status:       NormalizeSpotStatus(p.OrderStatus),
		RawStatus:    p.OrderStatus,
		Price:        price,
		Quantity:     qty,
		CumExecQty:   execQty,
		CumExecFee:   execFee,
		AvgPrice:     avg,
	}, nil
}

// OpenOrders implements types.VenueGateway. Used as the REST fallback of the
// submit confirmation protocol.
func (g *SpotGateway) OpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error) {
	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)

	var result struct {
		List []spotOrderPayload `json:"list"`
	}
	if err := g.call(ctx, "open_orders", g.signedGET("/v5/order/realtime", query), &result); err != nil {
		return nil, err
	}
	orders := make([]types.VenueOrder, 0, len(result.List))
	for i := range result.List {
		order, err := result.List[i].toVenueOrder()
		if err != nil {
			return nil, errors.Wrap(err, "malformed open order")
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// OrderHistory implements types.VenueGateway.
func (g *SpotGateway) OrderHistory(ctx context.Context, symbol, venueOrderID string) (*types.VenueOrder, error) {
	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)
	query.Set("orderId", venueOrderID)

	var result struct {
		List []spotOrderPayload `json:"list"`
	}
	if err := g.call(ctx, "order_history", g.signedGET("/v5/order/history", query), &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, types.ErrOrderNotFound
	}
	return result.List[0].toVenueOrder()
}

// InstrumentPrecision implements types.VenueGateway. Decimal places are
// derived from the venue's increment strings ("0.000001" means six places).
func (g *SpotGateway) InstrumentPrecision(ctx context.Context, symbol string) (int32, int32, error) {
	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)

	var result struct {
		List []struct {
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := g.call(ctx, "instrument_info", g.signedGET("/v5/market/instruments-info", query), &result); err != nil {
		return 0, 0, err
	}
	if len(result.List) == 0 {
		return 0, 0, errors.Errorf("no instrument data for %s", symbol)
	}
	qty, err := decimalPlaces(result.List[0].LotSizeFilter.BasePrecision)
	if err != nil {
		return 0, 0, errors.Wrap(err, "parsing base precision")
	}
	price, err := decimalPlaces(result.List[0].PriceFilter.TickSize)
	if err != nil {
		return 0, 0, errors.Wrap(err, "parsing tick size")
	}
	return qty, price, nil
}

// Balance implements types.BalanceReader.
func (g *SpotGateway) Balance(ctx context.Context, asset string) (*types.AccountBalance, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")
	query.Set("coin", asset)

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := g.call(ctx, "balance", g.signedGET("/v5/account/wallet-balance", query), &result); err != nil {
		return nil, err
	}
	for _, account := range result.List {
		for _, c := range account.Coin {
			if c.Coin != asset {
				continue
			}
			available, err := util.ParseDecimal(c.WalletBalance)
			if err != nil {
				return nil, errors.Wrap(err, "parsing wallet balance")
			}
			return &types.AccountBalance{Asset: asset, Available: available}, nil
		}
	}
	return nil, errors.Errorf("no %s balance reported", asset)
}

// ═══════════════════════════════════════════════════════════════
// NORMALIZATION
// ═══════════════════════════════════════════════════════════════

// NormalizeSpotStatus maps the spot venue's order statuses onto the engine's
// set. Partial fills stay OPEN; the cumulative execution fields carry the
// progress.
func NormalizeSpotStatus(raw string) types.OrderStatus {
	switch raw {
	case "New":
		return types.StatusOpen
	case "PartiallyFilled":
		return types.StatusOpen
	case "Filled":
		return types.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return types.StatusCancelled
	case "Rejected":
		return types.StatusRejected
	default:
		return types.StatusPlaced
	}
}

func spotSide(s types.Side) string {
	if s == types.SideSell {
		return "Sell"
	}
	return "Buy"
}

func normalizeSpotSide(raw string) types.Side {
	if raw == "Sell" {
		return types.SideSell
	}
	return types.SideBuy
}

func spotOrderType(t types.OrderType) string {
	if t == types.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

func normalizeSpotOrderType(raw string) types.OrderType {
	if raw == "Market" {
		return types.OrderTypeMarket
	}
	return types.OrderTypeLimit
}

// decimalPlaces derives the decimal-place count from a venue increment string:
// "0.000001" means six places, "1" means zero. Trailing zeros do not count.
func decimalPlaces(increment string) (int32, error) {
	d, err := decimal.NewFromString(increment)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid increment %q", increment)
	}
	if !d.IsPositive() {
		return 0, errors.Errorf("increment must be positive, got %q", increment)
	}
	trimmed := d.String()
	if i := strings.IndexByte(trimmed, '.'); i >= 0 {
		return int32(len(trimmed) - i - 1), nil
	}
	return 0, nil
}
