// Package polymarket implements the exchange.Adapter for the Polymarket
// CLOB. REST endpoints handle order management and book reads; the
// authenticated user websocket channel streams fills.
//
//   - Place:            POST   /order
//   - Cancel:           DELETE /order
//   - FetchBook:        GET    /book
//   - FetchOpenOrders:  GET    /data/orders
//   - FetchRecentFills: GET    /data/trades
//   - DeriveAPIKey:     GET    /auth/derive-api-key
//
// Fill events carry a stable trade id, so the reconciler can dedup on
// (venue, order_id, fill_id) directly.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"hedgerd/internal/config"
	"hedgerd/internal/exchange"
	"hedgerd/internal/market"
	"hedgerd/pkg/types"
)

// VenueName is the identifier used in config, orders, and fills.
const VenueName types.Venue = "polymarket"

const zeroAddress = "0x0000000000000000000000000000000000000000"

// usdcScale converts human-readable amounts to 6-decimal on-chain units.
var usdcScale = decimal.New(1, 6)

// Client is one authenticated CLOB session for one account.
type Client struct {
	http    *resty.Client
	auth    *Auth
	wsURL   string
	markets []string // condition IDs for the user websocket subscription
	logger  *slog.Logger
}

// New builds a Polymarket adapter for the given account. markets lists the
// condition IDs whose fills the user channel should deliver.
func New(acct types.Account, vc config.VenueConfig, markets []string, logger *slog.Logger) (*Client, error) {
	auth, err := NewAuth(acct, vc.ChainID, vc.SignatureType)
	if err != nil {
		return nil, fmt.Errorf("polymarket auth: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(vc.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		auth:    auth,
		wsURL:   vc.WSURL,
		markets: markets,
		logger:  logger.With("component", "polymarket", "account", acct.ID),
	}, nil
}

func (c *Client) Name() types.Venue { return VenueName }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{ProvidesFillID: true, SupportsWS: true}
}

// EnsureCredentials derives L2 API credentials via L1 auth when the account
// was configured with only a private key.
func (c *Client) EnsureCredentials(ctx context.Context) error {
	if c.auth.HasL2Credentials() {
		return nil
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return fmt.Errorf("l1 headers: %w", err)
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	c.auth.SetCredentials(creds)
	c.logger.Info("api key derived", "api_key", creds.ApiKey)
	return nil
}

// signedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
type signedOrder struct {
	Salt          string     `json:"salt"`
	Maker         string     `json:"maker"`
	Signer        string     `json:"signer"`
	Taker         string     `json:"taker"` // zero address = open order
	TokenID       string     `json:"tokenId"`
	MakerAmount   *big.Int   `json:"makerAmount"`
	TakerAmount   *big.Int   `json:"takerAmount"`
	Side          types.Side `json:"side"`
	Expiration    string     `json:"expiration"`
	Nonce         string     `json:"nonce"`
	FeeRateBps    string     `json:"feeRateBps"`
	SignatureType int        `json:"signatureType"`
	Signature     string     `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType string      `json:"orderType"`
}

type orderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"` // "live", "matched", "delayed"
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

// clobOrderType maps the venue-agnostic order type onto CLOB time-in-force.
// IOC maps to FAK (fill what crosses, kill the rest) and MARKET to FOK.
func clobOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeIOC:
		return "FAK"
	case types.OrderTypeMarket:
		return "FOK"
	default:
		return "GTC"
	}
}

// priceToAmounts converts a human-readable price and size into the
// maker/taker amount pair, scaled to 6 decimals.
//
// For BUY:  maker gives price*size USDC, receives size tokens.
// For SELL: maker gives size tokens, receives price*size USDC.
func priceToAmounts(price, size decimal.Decimal, side types.Side) (makerAmt, takerAmt *big.Int) {
	tokens := size.Truncate(2)
	usdc := tokens.Mul(price).Truncate(4)

	tokenUnits := tokens.Mul(usdcScale).BigInt()
	usdcUnits := usdc.Mul(usdcScale).BigInt()

	if side == types.BUY {
		return usdcUnits, tokenUnits
	}
	return tokenUnits, usdcUnits
}

// Place submits one signed order. The maker is the funder wallet, the signer
// the EOA, and the taker the zero address.
func (c *Client) Place(ctx context.Context, req exchange.PlaceRequest) (exchange.Ack, error) {
	makerAmt, takerAmt := priceToAmounts(req.Price, req.Size, req.Side)

	payload := orderPayload{
		Order: signedOrder{
			Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         zeroAddress,
			TokenID:       req.MarketID,
			MakerAmount:   makerAmt,
			TakerAmount:   takerAmt,
			Side:          req.Side,
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: clobOrderType(req.Type),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return exchange.Ack{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return exchange.Ack{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return exchange.Ack{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return exchange.Ack{}, &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	if !result.Success {
		return exchange.Ack{}, fmt.Errorf("%w: %s", exchange.ErrRejected, result.ErrorMsg)
	}

	ack := exchange.Ack{
		VenueOrderID: result.OrderID,
		Status:       result.Status,
	}
	ack.FilledSize, ack.AvgPrice = matchedExecution(req.Side, result.MakingAmount, result.TakingAmount)

	c.logger.Info("order placed",
		"client_id", req.ClientOrderID,
		"venue_order_id", ack.VenueOrderID,
		"status", ack.Status,
	)
	return ack, nil
}

// matchedExecution derives the immediately executed size and average price
// from the making/taking amounts the venue echoes on marketable orders.
func matchedExecution(side types.Side, making, taking string) (decimal.Decimal, decimal.Decimal) {
	makingAmt, err := decimal.NewFromString(making)
	if err != nil {
		return decimal.Zero, decimal.Zero
	}
	takingAmt, err := decimal.NewFromString(taking)
	if err != nil {
		return decimal.Zero, decimal.Zero
	}

	// BUY: taking is tokens received, making is USDC spent.
	// SELL: making is tokens given, taking is USDC received.
	tokens, usdc := takingAmt, makingAmt
	if side == types.SELL {
		tokens, usdc = makingAmt, takingAmt
	}
	if tokens.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return tokens, usdc.DivRound(tokens, 6)
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"` // order ID -> reason
}

// Cancel removes one resting order. A cancel that loses the race against a
// fill comes back in not_canceled; that is surfaced as a rejection so the
// caller stops retrying and lets the fill stream resolve the order.
func (c *Client) Cancel(ctx context.Context, venueOrderID string) error {
	body := fmt.Sprintf(`{"orderID":%q}`, venueOrderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	if reason, ok := result.NotCanceled[venueOrderID]; ok {
		return fmt.Errorf("%w: %s", exchange.ErrRejected, reason)
	}

	c.logger.Info("order cancelled", "venue_order_id", venueOrderID)
	return nil
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// FetchBook fetches the L2 book for one token. The raw feed orders bids
// ascending; the snapshot is normalized to best-first on both sides.
func (c *Client) FetchBook(ctx context.Context, marketID string) (types.OrderbookSnapshot, error) {
	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", marketID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return types.OrderbookSnapshot{}, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderbookSnapshot{}, &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	snap := types.OrderbookSnapshot{
		Venue:    VenueName,
		MarketID: marketID,
		Ts:       time.Now(),
	}
	if ms, err := strconv.ParseInt(result.Timestamp, 10, 64); err == nil {
		snap.Ts = time.UnixMilli(ms)
	}
	snap.Bids, err = parseLevels(result.Bids)
	if err != nil {
		return types.OrderbookSnapshot{}, fmt.Errorf("parse bids: %w", err)
	}
	snap.Asks, err = parseLevels(result.Asks)
	if err != nil {
		return types.OrderbookSnapshot{}, fmt.Errorf("parse asks: %w", err)
	}
	market.Normalize(&snap)
	return snap, nil
}

func parseLevels(raw []bookLevel) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv.Price, err)
		}
		size, err := decimal.NewFromString(lv.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lv.Size, err)
		}
		if size.IsZero() {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

type openOrderRow struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    string `json:"created_at"` // unix seconds
}

// FetchOpenOrders lists the account's resting orders with their cumulative
// matched sizes.
func (c *Client) FetchOpenOrders(ctx context.Context) ([]exchange.OpenOrder, error) {
	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var rows []openOrderRow
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&rows).
		Get("/data/orders")
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	orders := make([]exchange.OpenOrder, 0, len(rows))
	for _, row := range rows {
		o := exchange.OpenOrder{
			VenueOrderID: row.ID,
			MarketID:     row.AssetID,
			Side:         types.Side(row.Side),
			Status:       row.Status,
			UpdatedAt:    time.Now(),
		}
		o.Price, _ = decimal.NewFromString(row.Price)
		o.RequestedSize, _ = decimal.NewFromString(row.OriginalSize)
		o.FilledSize, _ = decimal.NewFromString(row.SizeMatched)
		orders = append(orders, o)
	}
	return orders, nil
}

// makerOrderLeg is one of our maker orders consumed by a trade.
type makerOrderLeg struct {
	OrderID       string `json:"order_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
}

// tradeRow is one trade report, shared between the REST trade history and
// the user websocket "trade" event.
type tradeRow struct {
	ID           string          `json:"id"`
	TakerOrderID string          `json:"taker_order_id"`
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Side         string          `json:"side"`
	Size         string          `json:"size"`
	Price        string          `json:"price"`
	Status       string          `json:"status"`
	MatchTime    string          `json:"match_time"` // unix seconds
	MakerOrders  []makerOrderLeg `json:"maker_orders"`
}

// FetchRecentFills returns fills derived from trades matched at or after
// since. One trade yields one fill per involved order of ours: the taker
// order plus every maker leg.
func (c *Client) FetchRecentFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	headers, err := c.auth.L2Headers("GET", "/data/trades", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers)
	if !since.IsZero() {
		req.SetQueryParam("after", strconv.FormatInt(since.Unix(), 10))
	}

	var rows []tradeRow
	resp, err := req.SetResult(&rows).Get("/data/trades")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	var fills []types.Fill
	for _, row := range rows {
		fills = append(fills, tradeToFills(row)...)
	}
	return fills, nil
}

// tradeToFills expands a trade into per-order fills. Maker legs get a
// composite fill id ("<trade_id>:<order_id>") so each leg dedups
// independently of the taker fill.
func tradeToFills(t tradeRow) []types.Fill {
	ts := time.Now()
	if sec, err := strconv.ParseInt(t.MatchTime, 10, 64); err == nil {
		ts = time.Unix(sec, 0)
	}

	var fills []types.Fill
	if t.TakerOrderID != "" {
		price, perr := decimal.NewFromString(t.Price)
		size, serr := decimal.NewFromString(t.Size)
		if perr == nil && serr == nil && size.Sign() > 0 {
			fills = append(fills, types.Fill{
				Venue:        VenueName,
				VenueOrderID: t.TakerOrderID,
				FillID:       t.ID,
				MarketID:     t.AssetID,
				Side:         types.Side(t.Side),
				Price:        price,
				Size:         size,
				Ts:           ts,
			})
		}
	}

	makerSide := types.Side(t.Side).Opposite()
	for _, leg := range t.MakerOrders {
		price, perr := decimal.NewFromString(leg.Price)
		size, serr := decimal.NewFromString(leg.MatchedAmount)
		if perr != nil || serr != nil || size.Sign() <= 0 {
			continue
		}
		fills = append(fills, types.Fill{
			Venue:        VenueName,
			VenueOrderID: leg.OrderID,
			FillID:       t.ID + ":" + leg.OrderID,
			MarketID:     t.AssetID,
			Side:         makerSide,
			Price:        price,
			Size:         size,
			Ts:           ts,
		})
	}
	return fills
}
