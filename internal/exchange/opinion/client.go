// Package opinion implements the exchange.Adapter for the Opinion trade
// API. The venue is REST-only: no websocket, and its order reports carry
// cumulative matched sizes without per-fill ids, so the reconciler derives
// fills from watermark deltas over FetchOpenOrders.
package opinion

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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
const VenueName types.Venue = "opinion"

// ErrNoFillStream is returned by SubscribeFills; the venue has no push
// channel and fills must be polled.
var ErrNoFillStream = errors.New("opinion: fill stream not supported")

// Client is one authenticated Opinion session for one account.
type Client struct {
	http   *resty.Client
	apiKey string
	secret string
	logger *slog.Logger
}

// New builds an Opinion adapter for the given account.
func New(acct types.Account, vc config.VenueConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(vc.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		apiKey: acct.APIKey,
		secret: acct.APISecret,
		logger: logger.With("component", "opinion", "account", acct.ID),
	}
}

func (c *Client) Name() types.Venue { return VenueName }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{ProvidesFillID: false, SupportsWS: false}
}

// signedHeaders builds the auth headers: HMAC-SHA256 over
// timestamp + method + path [+ body], hex encoded.
func (c *Client) signedHeaders(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(timestamp + method + path + body))
	sig := hex.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"X-API-KEY":   c.apiKey,
		"X-TIMESTAMP": timestamp,
		"X-SIGNATURE": sig,
	}
}

// apiEnvelope wraps every Opinion response.
type apiEnvelope struct {
	Code    int             `json:"code"` // 0 = ok
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs one signed request and unwraps the envelope into out.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var bodyJSON string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyJSON = string(raw)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signedHeaders(method, path, bodyJSON))
	if bodyJSON != "" {
		req.SetBody(json.RawMessage(bodyJSON))
	}

	var envelope apiEnvelope
	req.SetResult(&envelope)

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &exchange.StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	if envelope.Code != 0 {
		return fmt.Errorf("%w: code %d: %s", exchange.ErrRejected, envelope.Code, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

type placeBody struct {
	ClientOrderID string `json:"client_order_id"`
	MarketID      string `json:"market_id"`
	Side          string `json:"side"`
	Type          string `json:"type"` // LIMIT, MARKET, IOC
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
}

type placeResult struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	MatchedQty  string `json:"matched_qty"`
	MatchedCost string `json:"matched_cost"`
}

// Place submits one order. The venue echoes the immediately matched
// quantity and cost for marketable orders.
func (c *Client) Place(ctx context.Context, req exchange.PlaceRequest) (exchange.Ack, error) {
	body := placeBody{
		ClientOrderID: req.ClientOrderID,
		MarketID:      req.MarketID,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Price:         req.Price.String(),
		Quantity:      req.Size.String(),
	}

	var result placeResult
	if err := c.call(ctx, http.MethodPost, "/v1/orders", body, &result); err != nil {
		return exchange.Ack{}, err
	}

	ack := exchange.Ack{
		VenueOrderID: result.OrderID,
		Status:       result.Status,
	}
	if qty, err := decimal.NewFromString(result.MatchedQty); err == nil && qty.Sign() > 0 {
		ack.FilledSize = qty
		if cost, err := decimal.NewFromString(result.MatchedCost); err == nil {
			ack.AvgPrice = cost.DivRound(qty, 6)
		}
	}

	c.logger.Info("order placed",
		"client_id", req.ClientOrderID,
		"venue_order_id", ack.VenueOrderID,
		"status", ack.Status,
	)
	return ack, nil
}

// Cancel removes one resting order. The venue reports an already-matched
// or unknown order as a business error, which surfaces as ErrRejected.
func (c *Client) Cancel(ctx context.Context, venueOrderID string) error {
	path := "/v1/orders/" + venueOrderID
	if err := c.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	c.logger.Info("order cancelled", "venue_order_id", venueOrderID)
	return nil
}

type bookResult struct {
	MarketID string      `json:"market_id"`
	Seq      int64       `json:"seq"`
	Bids     [][2]string `json:"bids"` // [price, qty]
	Asks     [][2]string `json:"asks"`
	Ts       int64       `json:"ts"` // unix millis
}

// FetchBook fetches the L2 book for one market.
func (c *Client) FetchBook(ctx context.Context, marketID string) (types.OrderbookSnapshot, error) {
	var result bookResult
	path := "/v1/markets/" + marketID + "/book"
	if err := c.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return types.OrderbookSnapshot{}, err
	}

	snap := types.OrderbookSnapshot{
		Venue:    VenueName,
		MarketID: marketID,
		Seq:      result.Seq,
		Ts:       time.Now(),
	}
	if result.Ts > 0 {
		snap.Ts = time.UnixMilli(result.Ts)
	}

	var err error
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

func parseLevels(raw [][2]string) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv[0], err)
		}
		size, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lv[1], err)
		}
		if size.IsZero() {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

type orderRow struct {
	OrderID    string `json:"order_id"`
	MarketID   string `json:"market_id"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	MatchedQty string `json:"matched_qty"` // cumulative
	Status     string `json:"status"`
	UpdatedAt  int64  `json:"updated_at"` // unix millis
}

// FetchOpenOrders lists the account's recent orders with cumulative matched
// quantities. Recently terminal orders are included so a final partial fill
// is still observable after the order leaves the book.
func (c *Client) FetchOpenOrders(ctx context.Context) ([]exchange.OpenOrder, error) {
	var rows []orderRow
	if err := c.call(ctx, http.MethodGet, "/v1/orders?scope=recent", nil, &rows); err != nil {
		return nil, err
	}

	orders := make([]exchange.OpenOrder, 0, len(rows))
	for _, row := range rows {
		o := exchange.OpenOrder{
			VenueOrderID: row.OrderID,
			MarketID:     row.MarketID,
			Side:         types.Side(row.Side),
			Status:       row.Status,
			UpdatedAt:    time.UnixMilli(row.UpdatedAt),
		}
		o.Price, _ = decimal.NewFromString(row.Price)
		o.RequestedSize, _ = decimal.NewFromString(row.Quantity)
		o.FilledSize, _ = decimal.NewFromString(row.MatchedQty)
		orders = append(orders, o)
	}
	return orders, nil
}

// FetchRecentFills returns nothing: the venue reports no per-fill ids.
// Fills are synthesized from matched-quantity watermarks over
// FetchOpenOrders.
func (c *Client) FetchRecentFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	return nil, nil
}

// SubscribeFills is unsupported; the reconciler must poll this venue.
func (c *Client) SubscribeFills(ctx context.Context, ch chan<- types.Fill) error {
	return ErrNoFillStream
}
