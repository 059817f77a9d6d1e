package zerodha

import (
	"sort"
	"sync"

	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// instrumentMapper manages bidirectional mapping between symbols and tokens
// plus the sizing metadata loaded from the instruments dump.
type instrumentMapper struct {
	bySymbol map[string]types.Instrument
	byToken  map[uint32]string
	mu       sync.RWMutex
}

func newInstrumentMapper() *instrumentMapper {
	return &instrumentMapper{
		bySymbol: make(map[string]types.Instrument),
		byToken:  make(map[uint32]string),
	}
}

// load replaces the mapping with the wanted symbols from dump. An empty
// want keeps everything.
func (im *instrumentMapper) load(dump []kiteconnect.Instrument, want []string) []string {
	keep := make(map[string]bool, len(want))
	for _, s := range want {
		keep[s] = true
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	im.bySymbol = make(map[string]types.Instrument, len(want))
	im.byToken = make(map[uint32]string, len(want))
	for _, ki := range dump {
		if len(keep) > 0 && !keep[ki.Tradingsymbol] {
			continue
		}
		in := toInstrument(ki)
		im.bySymbol[in.Symbol] = in
		im.byToken[in.Token] = in.Symbol
	}

	var missing []string
	for _, s := range want {
		if _, ok := im.bySymbol[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func toInstrument(ki kiteconnect.Instrument) types.Instrument {
	lot := decimal.NewFromFloat(float64(ki.LotSize))
	if !lot.IsPositive() {
		lot = decimal.NewFromInt(1)
	}
	return types.Instrument{
		Symbol:    ki.Tradingsymbol,
		Token:     uint32(ki.InstrumentToken),
		Exchange:  ki.Exchange,
		MinQty:    lot,
		QtyStep:   lot,
		TickSize:  decimal.NewFromFloat(float64(ki.TickSize)),
		Tradeable: true,
	}
}

func (im *instrumentMapper) getToken(symbol string) (uint32, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	in, ok := im.bySymbol[symbol]
	return in.Token, ok
}

func (im *instrumentMapper) getSymbol(token uint32) string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.byToken[token]
}

func (im *instrumentMapper) get(symbol string) (types.Instrument, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	in, ok := im.bySymbol[symbol]
	return in, ok
}

func (im *instrumentMapper) getAllTokens() []uint32 {
	im.mu.RLock()
	defer im.mu.RUnlock()
	tokens := make([]uint32, 0, len(im.byToken))
	for token := range im.byToken {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func (im *instrumentMapper) all() []types.Instrument {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]types.Instrument, 0, len(im.bySymbol))
	for _, in := range im.bySymbol {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
