package eod

import "github.com/shopspring/decimal"

// aggRow represents aggregated fills for a symbol.
type aggRow struct {
	Symbol    string
	Fills     int
	BuyQty    decimal.Decimal
	BuyValue  decimal.Decimal // sum of qty * price
	SellQty   decimal.Decimal
	SellValue decimal.Decimal
	Fees      decimal.Decimal
}

func newAggRow(symbol string) *aggRow {
	return &aggRow{
		Symbol:    symbol,
		BuyQty:    decimal.Zero,
		BuyValue:  decimal.Zero,
		SellQty:   decimal.Zero,
		SellValue: decimal.Zero,
		Fees:      decimal.Zero,
	}
}

func avg(value, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return value.Div(qty)
}

// realized is the PnL of the matched quantity, net of fees. Unmatched
// quantity is still open and excluded.
func (r *aggRow) realized() decimal.Decimal {
	matched := decimal.Min(r.BuyQty, r.SellQty)
	gross := matched.Mul(avg(r.SellValue, r.SellQty).Sub(avg(r.BuyValue, r.BuyQty)))
	return gross.Sub(r.Fees)
}
