package engine

import (
	"broker-bridge/internal/types"
)

// applyOverrides merges configured limits into broker instrument metadata.
// Overrides only ever tighten: a larger minimum or step, a smaller maximum.
func applyOverrides(list []types.Instrument, overrides map[string]InstrumentOverride) []types.Instrument {
	out := make([]types.Instrument, 0, len(list))
	for _, in := range list {
		o, ok := overrides[in.Symbol]
		if !ok {
			out = append(out, in)
			continue
		}
		if o.MinQty.GreaterThan(in.MinQty) {
			in.MinQty = o.MinQty
		}
		if o.QtyStep.GreaterThan(in.QtyStep) {
			in.QtyStep = o.QtyStep
		}
		if o.MaxQty.IsPositive() && (in.MaxQty.IsZero() || o.MaxQty.LessThan(in.MaxQty)) {
			in.MaxQty = o.MaxQty
		}
		out = append(out, in)
	}
	return out
}
