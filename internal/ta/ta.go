package ta

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// SMA is the mean of the last n values. ok is false when fewer than n exist.
func SMA(vals []decimal.Decimal, n int) (avg decimal.Decimal, ok bool) {
	if len(vals) < n || n <= 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range vals[len(vals)-n:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

// RSI over the last period changes, so it needs period+1 values.
func RSI(vals []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if len(vals) < period+1 || period <= 0 {
		return decimal.Zero, false
	}
	gain, loss := decimal.Zero, decimal.Zero
	for i := len(vals) - period; i < len(vals); i++ {
		d := vals[i].Sub(vals[i-1])
		if d.IsPositive() {
			gain = gain.Add(d)
		} else {
			loss = loss.Sub(d)
		}
	}
	if loss.IsZero() {
		return hundred, true
	}
	rs := gain.Div(loss)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs))), true
}
