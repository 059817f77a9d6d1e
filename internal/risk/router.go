package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"broker-bridge/internal/logger"
	"broker-bridge/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MinSizePolicy string

const (
	MinSizeReject  MinSizePolicy = "reject"
	MinSizeRoundUp MinSizePolicy = "round_up"
)

// Limits configures the router. Zero values disable the matching check.
type Limits struct {
	MaxLeverage       decimal.Decimal            // gross notional <= equity * MaxLeverage
	MaxSymbolNotional decimal.Decimal            // default per-symbol notional cap
	SymbolNotional    map[string]decimal.Decimal // per-symbol overrides
	MaxDailyLossBps   decimal.Decimal            // kill switch threshold, sign ignored
	MinSizePolicy     MinSizePolicy
}

// Submitter is the order translator.
type Submitter interface {
	Submit(ctx context.Context, req types.OrderRequest) (types.BrokerOrderHandle, error)
}

// Book is the read side of the position book.
type Book interface {
	Position(symbol string) types.Position
	Exposure(symbol string) (sym, gross decimal.Decimal)
	Equity() decimal.Decimal
	DailyPnLBps() decimal.Decimal
}

// QuoteCache returns the last quote seen on the feed.
type QuoteCache interface {
	LastQuote(symbol string) (types.Quote, bool)
}

// Quoter asks the broker for a fresh quote.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
}

// Router validates and sizes every outbound order before it reaches the
// translator. It never partially submits.
type Router struct {
	limits Limits
	sub    Submitter
	book   Book
	quotes QuoteCache
	quoter Quoter
	now    func() time.Time

	ready atomic.Bool

	mu          sync.RWMutex
	instruments map[string]types.Instrument
	killedDay   string
}

// NewRouter creates a router that refuses orders until SetReady(true).
// quotes and quoter may be nil.
func NewRouter(limits Limits, sub Submitter, book Book, quotes QuoteCache, quoter Quoter) *Router {
	if limits.MinSizePolicy == "" {
		limits.MinSizePolicy = MinSizeReject
	}
	return &Router{
		limits:      limits,
		sub:         sub,
		book:        book,
		quotes:      quotes,
		quoter:      quoter,
		now:         time.Now,
		instruments: make(map[string]types.Instrument),
	}
}

// SetReady opens or closes the gate. Closed while reconciling.
func (r *Router) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Ready reports whether the gate is open.
func (r *Router) Ready() bool {
	return r.ready.Load()
}

// SetInstruments replaces the tradeable instrument table.
func (r *Router) SetInstruments(list []types.Instrument) {
	m := make(map[string]types.Instrument, len(list))
	for _, in := range list {
		m[in.Symbol] = in
	}
	r.mu.Lock()
	r.instruments = m
	r.mu.Unlock()
}

// Instrument returns the instrument rules for symbol.
func (r *Router) Instrument(symbol string) (types.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instruments[symbol]
	return in, ok
}

// KillSwitchTripped reports whether the daily-loss latch is set for today.
func (r *Router) KillSwitchTripped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.killedDay != "" && r.killedDay == dayKey(r.now())
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Send checks intent and forwards an OrderRequest to the translator.
// Check failures return *types.RiskRejection; broker failures are returned
// as-is.
func (r *Router) Send(ctx context.Context, intent types.OrderIntent) (types.BrokerOrderHandle, error) {
	req, err := r.Check(ctx, intent)
	if err != nil {
		return types.BrokerOrderHandle{}, err
	}
	return r.sub.Submit(ctx, req)
}

// Check runs every risk check and returns the request that would be sent.
func (r *Router) Check(ctx context.Context, intent types.OrderIntent) (types.OrderRequest, error) {
	if !r.Ready() {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectSessionNotReady, "reconciliation pending or session down")
	}

	// (a) instrument known and tradeable, order shape valid
	inst, ok := r.Instrument(intent.Symbol)
	if !ok {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectUnknownInstrument, "")
	}
	if !inst.Tradeable {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectNotTradeable, "")
	}
	if !intent.Qty.IsPositive() || (intent.Side != types.SideBuy && intent.Side != types.SideSell) {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectInvalidQty,
			fmt.Sprintf("side=%s qty=%s", intent.Side, intent.Qty))
	}
	switch intent.Type {
	case types.OrderTypeLimit:
		if !intent.LimitPrice.IsPositive() {
			return types.OrderRequest{}, r.reject(ctx, intent, types.RejectMissingPrice, "limit order without limit price")
		}
	case types.OrderTypeStop:
		if !intent.StopPrice.IsPositive() {
			return types.OrderRequest{}, r.reject(ctx, intent, types.RejectMissingPrice, "stop order without stop price")
		}
	}

	ref, src := r.referencePrice(ctx, intent)
	if !ref.IsPositive() {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectNoReferencePrice, "")
	}

	qty, below := normalize(intent.Qty, inst, r.limits.MinSizePolicy)

	// (b) exposure, measured on the quantity that would actually be sent
	if detail, reason := r.checkExposure(intent.Symbol, intent.Side, qty, ref); reason != "" {
		return types.OrderRequest{}, r.reject(ctx, intent, reason, detail)
	}

	// (c) unit rules
	if below {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectBelowMinSize,
			fmt.Sprintf("qty=%s min=%s", intent.Qty, inst.MinQty))
	}
	if inst.MaxQty.IsPositive() && qty.GreaterThan(inst.MaxQty) {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectAboveMaxSize,
			fmt.Sprintf("qty=%s max=%s", qty, inst.MaxQty))
	}

	// (d) daily loss kill switch
	if r.killSwitch(ctx) {
		return types.OrderRequest{}, r.reject(ctx, intent, types.RejectKillSwitch,
			fmt.Sprintf("pnl_today_bps=%s", r.book.DailyPnLBps().StringFixed(1)))
	}

	req := types.OrderRequest{
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           qty,
		Type:          intent.Type,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		RefPrice:      ref,
		TIF:           intent.TIF,
		Tag:           intent.Tag,
		IntentQty:     intent.Qty,
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if req.Type == "" {
		req.Type = types.OrderTypeMarket
	}
	if req.TIF == "" {
		req.TIF = types.TIFDay
	}
	if req.Adjusted() {
		logger.Info(ctx, "Order quantity normalized",
			"symbol", req.Symbol,
			"intent_qty", intent.Qty.String(),
			"qty", qty.String(),
			"policy", r.limits.MinSizePolicy,
		)
	}
	logger.Debug(ctx, "Risk checks passed",
		"client_order_id", req.ClientOrderID,
		"symbol", req.Symbol,
		"ref_price", ref.String(),
		"ref_source", src,
	)
	return req, nil
}

// referencePrice picks the best known price: the strategy's own, then the
// limit price, then the quote side a market order would hit, then the
// stop trigger.
func (r *Router) referencePrice(ctx context.Context, intent types.OrderIntent) (decimal.Decimal, string) {
	if intent.RefPrice.IsPositive() {
		return intent.RefPrice, "intent"
	}
	if intent.Type == types.OrderTypeLimit && intent.LimitPrice.IsPositive() {
		return intent.LimitPrice, "limit"
	}
	if r.quotes != nil {
		if q, ok := r.quotes.LastQuote(intent.Symbol); ok {
			if p := q.ForSide(intent.Side); p.IsPositive() {
				return p, "feed"
			}
		}
	}
	if r.quoter != nil {
		q, err := r.quoter.Quote(ctx, intent.Symbol)
		if err == nil {
			if p := q.ForSide(intent.Side); p.IsPositive() {
				return p, "broker"
			}
		} else {
			logger.BrokerCode(ctx, err, "op", "quote", "symbol", intent.Symbol)
		}
	}
	if intent.StopPrice.IsPositive() {
		return intent.StopPrice, "stop"
	}
	return decimal.Zero, ""
}

// normalize rounds qty to the instrument step and applies the minimum size
// policy. below is true when the request must be rejected for size.
func normalize(qty decimal.Decimal, inst types.Instrument, policy MinSizePolicy) (decimal.Decimal, bool) {
	if inst.QtyStep.IsPositive() {
		qty = qty.Div(inst.QtyStep).Round(0).Mul(inst.QtyStep)
	}
	minQty := inst.MinQty
	if !minQty.IsPositive() {
		minQty = inst.QtyStep
	}
	if qty.IsPositive() && (!minQty.IsPositive() || qty.GreaterThanOrEqual(minQty)) {
		return qty, false
	}
	if policy == MinSizeRoundUp && minQty.IsPositive() {
		return minQty, false
	}
	return qty, true
}

// checkExposure rejects orders that increase exposure past a cap. Orders
// that reduce exposure always pass.
func (r *Router) checkExposure(symbol string, side types.Side, qty, ref decimal.Decimal) (string, types.RejectReason) {
	cur := r.book.Position(symbol).Qty
	projected := cur.Add(qty.Mul(side.Sign()))
	if projected.Abs().LessThanOrEqual(cur.Abs()) {
		return "", ""
	}

	symNotional, gross := r.book.Exposure(symbol)
	nextSym := projected.Abs().Mul(ref)

	limit := r.limits.MaxSymbolNotional
	if v, ok := r.limits.SymbolNotional[symbol]; ok {
		limit = v
	}
	if limit.IsPositive() && nextSym.GreaterThan(limit) {
		return fmt.Sprintf("notional=%s limit=%s", nextSym.StringFixed(2), limit.StringFixed(2)), types.RejectSymbolExposure
	}

	if r.limits.MaxLeverage.IsPositive() {
		maxGross := r.book.Equity().Mul(r.limits.MaxLeverage)
		nextGross := gross.Sub(symNotional).Add(nextSym)
		if nextGross.GreaterThan(maxGross) {
			return fmt.Sprintf("gross=%s cap=%s", nextGross.StringFixed(2), maxGross.StringFixed(2)), types.RejectGrossExposure
		}
	}
	return "", ""
}

// killSwitch latches for the rest of the UTC day once today's PnL is at or
// below the loss threshold.
func (r *Router) killSwitch(ctx context.Context) bool {
	if r.KillSwitchTripped() {
		return true
	}
	limit := r.limits.MaxDailyLossBps.Abs()
	if !limit.IsPositive() {
		return false
	}
	pnl := r.book.DailyPnLBps()
	if pnl.GreaterThan(limit.Neg()) {
		return false
	}

	r.mu.Lock()
	r.killedDay = dayKey(r.now())
	r.mu.Unlock()
	logger.Error(ctx, "Daily loss kill switch tripped",
		"type", "RISK",
		"pnl_today_bps", pnl.StringFixed(1),
		"max_daily_loss_bps", limit.String(),
	)
	return true
}

func (r *Router) reject(ctx context.Context, intent types.OrderIntent, reason types.RejectReason, detail string) error {
	rej := &types.RiskRejection{Reason: reason, Symbol: intent.Symbol, Detail: strings.TrimSpace(detail)}
	logger.Risk(ctx, rej, "client_order_id", intent.ClientOrderID, "side", intent.Side, "qty", intent.Qty.String())
	return rej
}
