package pacing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autosender/services/autosender/catalog"
)

// DefaultNativeProbability is the chance a transfer uses the native asset.
const DefaultNativeProbability = 0.3

// Range is an inclusive duration window.
type Range struct {
	Min time.Duration
	Max time.Duration
}

func (r Range) validate(name string) error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("%s delay must be non-negative", name)
	}
	if r.Min > r.Max {
		return fmt.Errorf("%s delay min %s exceeds max %s", name, r.Min, r.Max)
	}
	return nil
}

// Config parameterises the policy.
type Config struct {
	NativeProbability float64
	TransferDelay     Range
	SenderDelay       Range
}

// DefaultConfig returns the stock pacing windows: 5-20s between transfers and
// 3-7 minutes between senders.
func DefaultConfig() Config {
	return Config{
		NativeProbability: DefaultNativeProbability,
		TransferDelay:     Range{Min: 5 * time.Second, Max: 20 * time.Second},
		SenderDelay:       Range{Min: 180 * time.Second, Max: 420 * time.Second},
	}
}

// Selection is the asset and amount chosen for one transfer.
type Selection struct {
	Asset  catalog.Asset
	Amount decimal.Decimal
}

// AssetID is the ledger key of the selected asset.
func (s Selection) AssetID() string { return s.Asset.ID }

// Native reports whether the native asset was selected.
func (s Selection) Native() bool { return s.Asset.IsNative() }

// Policy decides what to send and how long to wait between sends.
type Policy struct {
	cfg     Config
	catalog *catalog.Catalog
	rnd     Random
}

// New constructs a policy drawing from cat. A nil rnd uses SystemRandom.
func New(cfg Config, cat *catalog.Catalog, rnd Random) (*Policy, error) {
	if cat == nil {
		return nil, fmt.Errorf("pacing: catalog required")
	}
	if cfg.NativeProbability < 0 || cfg.NativeProbability > 1 {
		return nil, fmt.Errorf("pacing: native probability %v outside [0, 1]", cfg.NativeProbability)
	}
	if err := cfg.TransferDelay.validate("transfer"); err != nil {
		return nil, err
	}
	if err := cfg.SenderDelay.validate("sender"); err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = SystemRandom()
	}
	return &Policy{cfg: cfg, catalog: cat, rnd: rnd}, nil
}

// SelectTransfer picks the native asset with the configured probability,
// otherwise a uniformly random token. An empty token catalog always selects
// the native asset. The amount is uniform within the asset's bounds and
// rounded to catalog.Precision digits.
func (p *Policy) SelectTransfer() Selection {
	asset := p.catalog.Native()
	if p.rnd.Float64() >= p.cfg.NativeProbability && p.catalog.Len() > 0 {
		token, err := p.catalog.At(p.rnd.IntN(p.catalog.Len()))
		if err == nil {
			asset = token
		}
	}
	return Selection{Asset: asset, Amount: p.amount(asset)}
}

func (p *Policy) amount(asset catalog.Asset) decimal.Decimal {
	span := asset.Max.Sub(asset.Min)
	draw := asset.Min.Add(span.Mul(decimal.NewFromFloat(p.rnd.Float64()))).Round(catalog.Precision)
	if lower := asset.Min.RoundCeil(catalog.Precision); draw.LessThan(lower) {
		return lower
	}
	if upper := asset.Max.RoundFloor(catalog.Precision); draw.GreaterThan(upper) {
		return upper
	}
	return draw
}

// TransferDelay is the pause between consecutive sends from one sender.
func (p *Policy) TransferDelay() time.Duration { return p.draw(p.cfg.TransferDelay) }

// SenderDelay is the pause between sender rotations.
func (p *Policy) SenderDelay() time.Duration { return p.draw(p.cfg.SenderDelay) }

// draw returns a whole-millisecond duration uniformly within r, inclusive.
func (p *Policy) draw(r Range) time.Duration {
	lo := r.Min.Milliseconds()
	hi := r.Max.Milliseconds()
	if hi <= lo {
		return r.Min
	}
	return time.Duration(lo+int64(p.rnd.IntN(int(hi-lo+1)))) * time.Millisecond
}

// Shuffle returns a uniformly random permutation of addrs without modifying
// the input.
func (p *Policy) Shuffle(addrs []string) []string {
	out := make([]string, len(addrs))
	copy(out, addrs)
	for i := len(out) - 1; i > 0; i-- {
		j := p.rnd.IntN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
