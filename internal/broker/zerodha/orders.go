package zerodha

import (
	"fmt"
	"strings"

	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

const maxTagLen = 20

// kiteTag squeezes a client order id into Kite's 20 character tag.
func kiteTag(clientOrderID string) string {
	tag := strings.ReplaceAll(clientOrderID, "-", "")
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	return tag
}

func (z *Adapter) toParams(req types.OrderRequest) (kiteconnect.OrderParams, error) {
	in, ok := z.mapper.get(req.Symbol)
	if !ok {
		return kiteconnect.OrderParams{}, &types.BrokerError{Op: "place_order", Code: "UNKNOWN_SYMBOL", Class: types.CodeFatal, Message: req.Symbol}
	}
	if !req.Qty.IsInteger() {
		return kiteconnect.OrderParams{}, &types.BrokerError{Op: "place_order", Code: excInput, Class: types.CodeFatal,
			Message: fmt.Sprintf("quantity %s is not a whole number of units", req.Qty)}
	}

	p := kiteconnect.OrderParams{
		Exchange:      in.Exchange,
		Tradingsymbol: req.Symbol,
		Product:       z.p.Product,
		Quantity:      int(req.Qty.IntPart()),
		Tag:           kiteTag(req.ClientOrderID),
		Validity:      kiteconnect.ValidityDay,
	}
	if req.TIF == types.TIFIOC {
		p.Validity = kiteconnect.ValidityIOC
	}
	switch req.Side {
	case types.SideBuy:
		p.TransactionType = kiteconnect.TransactionTypeBuy
	case types.SideSell:
		p.TransactionType = kiteconnect.TransactionTypeSell
	default:
		return kiteconnect.OrderParams{}, &types.BrokerError{Op: "place_order", Code: excInput, Class: types.CodeFatal, Message: "side " + string(req.Side)}
	}
	switch req.Type {
	case types.OrderTypeMarket, "":
		p.OrderType = kiteconnect.OrderTypeMarket
		if px, ok := z.marketableLimit(req, in); ok {
			p.OrderType = kiteconnect.OrderTypeLimit
			p.Price = px.InexactFloat64()
		}
	case types.OrderTypeLimit:
		p.OrderType = kiteconnect.OrderTypeLimit
		p.Price = req.LimitPrice.InexactFloat64()
	case types.OrderTypeStop:
		p.OrderType = kiteconnect.OrderTypeSLM
		p.TriggerPrice = req.StopPrice.InexactFloat64()
	default:
		return kiteconnect.OrderParams{}, &types.BrokerError{Op: "place_order", Code: excInput, Class: types.CodeFatal, Message: "order type " + string(req.Type)}
	}
	return p, nil
}

// marketableLimit caps a market order at Deviation ticks through RefPrice,
// rounded away from the ref onto the tick grid.
func (z *Adapter) marketableLimit(req types.OrderRequest, in types.Instrument) (decimal.Decimal, bool) {
	if z.p.Deviation <= 0 || !req.RefPrice.IsPositive() || !in.TickSize.IsPositive() {
		return decimal.Zero, false
	}
	slip := in.TickSize.Mul(decimal.NewFromInt(int64(z.p.Deviation)))
	if req.Side == types.SideSell {
		px := req.RefPrice.Sub(slip).Div(in.TickSize).Floor().Mul(in.TickSize)
		if !px.IsPositive() {
			return decimal.Zero, false
		}
		return px, true
	}
	return req.RefPrice.Add(slip).Div(in.TickSize).Ceil().Mul(in.TickSize), true
}

func (z *Adapter) clientID(tag string) string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.tags[tag]
}

func mapSide(transactionType string) types.Side {
	if strings.EqualFold(transactionType, kiteconnect.TransactionTypeSell) {
		return types.SideSell
	}
	return types.SideBuy
}

func mapType(orderType string) types.OrderType {
	switch strings.ToUpper(orderType) {
	case kiteconnect.OrderTypeLimit:
		return types.OrderTypeLimit
	case kiteconnect.OrderTypeSL, kiteconnect.OrderTypeSLM:
		return types.OrderTypeStop
	default:
		return types.OrderTypeMarket
	}
}

func (z *Adapter) toUpdate(o kiteconnect.Order) types.OrderUpdate {
	filled := float64(o.FilledQuantity)
	ts := o.ExchangeUpdateTimestamp.Time
	if ts.IsZero() {
		ts = o.OrderTimestamp.Time
	}
	if ts.IsZero() {
		ts = z.now()
	}
	return types.OrderUpdate{
		BrokerOrderID: o.OrderID,
		ClientOrderID: z.clientID(o.Tag),
		Symbol:        o.TradingSymbol,
		Side:          mapSide(o.TransactionType),
		Status:        mapStatus(o.Status, filled),
		Qty:           decimal.NewFromFloat(float64(o.Quantity)),
		FilledQty:     decimal.NewFromFloat(filled),
		AvgPrice:      decimal.NewFromFloat(o.AveragePrice),
		Fee:           decimal.Zero,
		Message:       o.StatusMessage,
		Ts:            ts,
	}
}

func (z *Adapter) toBrokerOrder(o kiteconnect.Order) types.BrokerOrder {
	filled := float64(o.FilledQuantity)
	return types.BrokerOrder{
		BrokerOrderID: o.OrderID,
		ClientOrderID: z.clientID(o.Tag),
		Symbol:        o.TradingSymbol,
		Side:          mapSide(o.TransactionType),
		Type:          mapType(o.OrderType),
		Qty:           decimal.NewFromFloat(float64(o.Quantity)),
		FilledQty:     decimal.NewFromFloat(filled),
		Price:         decimal.NewFromFloat(o.Price),
		TriggerPrice:  decimal.NewFromFloat(o.TriggerPrice),
		Status:        mapStatus(o.Status, filled),
		PlacedAt:      o.OrderTimestamp.Time,
	}
}
