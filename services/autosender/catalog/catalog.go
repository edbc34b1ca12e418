package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeID identifies the chain's native asset in selections and the ledger.
const NativeID = "native"

// Precision is the number of fractional digits transfer amounts are rounded to.
const Precision int32 = 6

// ErrEmptyCatalog is returned by At when no tokens are configured.
var ErrEmptyCatalog = errors.New("catalog: no tokens configured")

// Asset describes a transferable asset and the bounds a single transfer must
// fall within.
type Asset struct {
	ID  string
	Min decimal.Decimal
	Max decimal.Decimal
}

// IsNative reports whether the asset is the chain's native coin.
func (a Asset) IsNative() bool { return a.ID == NativeID }

// Validate checks the bounds are positive, ordered, and representable at the
// transfer precision.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("asset id required")
	}
	if !a.Min.IsPositive() || !a.Max.IsPositive() {
		return fmt.Errorf("asset %s: min and max must be positive", a.ID)
	}
	if a.Min.GreaterThan(a.Max) {
		return fmt.Errorf("asset %s: min %s exceeds max %s", a.ID, a.Min, a.Max)
	}
	if a.Min.RoundCeil(Precision).GreaterThan(a.Max) {
		return fmt.Errorf("asset %s: no amount with %d decimals fits [%s, %s]", a.ID, Precision, a.Min, a.Max)
	}
	return nil
}

// NormaliseID lower-cases and trims an asset or address identifier.
func NormaliseID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Catalog is the immutable set of fungible tokens a campaign may draw from,
// plus the native asset bounds.
type Catalog struct {
	native Asset
	tokens []Asset
	byID   map[string]int
}

// New validates and indexes the supplied assets. Token identifiers are
// lower-cased; duplicates are rejected.
func New(native Asset, tokens []Asset) (*Catalog, error) {
	native.ID = NativeID
	if err := native.Validate(); err != nil {
		return nil, err
	}
	cat := &Catalog{
		native: native,
		tokens: make([]Asset, 0, len(tokens)),
		byID:   make(map[string]int, len(tokens)),
	}
	for _, token := range tokens {
		token.ID = NormaliseID(token.ID)
		if token.ID == NativeID {
			return nil, fmt.Errorf("token id %q is reserved", NativeID)
		}
		if err := token.Validate(); err != nil {
			return nil, err
		}
		if _, exists := cat.byID[token.ID]; exists {
			return nil, fmt.Errorf("duplicate token %s", token.ID)
		}
		cat.byID[token.ID] = len(cat.tokens)
		cat.tokens = append(cat.tokens, token)
	}
	return cat, nil
}

// Native returns the native asset description.
func (c *Catalog) Native() Asset { return c.native }

// Len reports the number of configured tokens.
func (c *Catalog) Len() int { return len(c.tokens) }

// Token looks up a token by identifier.
func (c *Catalog) Token(id string) (Asset, bool) {
	idx, ok := c.byID[NormaliseID(id)]
	if !ok {
		return Asset{}, false
	}
	return c.tokens[idx], true
}

// At returns the token at index i.
func (c *Catalog) At(i int) (Asset, error) {
	if len(c.tokens) == 0 {
		return Asset{}, ErrEmptyCatalog
	}
	if i < 0 || i >= len(c.tokens) {
		return Asset{}, fmt.Errorf("catalog: index %d out of range", i)
	}
	return c.tokens[i], nil
}

// tokenFile mirrors one entry of the JSON token list.
type tokenFile struct {
	Address string          `json:"address"`
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
}

// LoadTokens reads a JSON array of {address, min, max} entries. Addresses must
// be hex contract addresses.
func LoadTokens(path string) ([]Asset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	var entries []tokenFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	assets := make([]Asset, 0, len(entries))
	for i, entry := range entries {
		addr := strings.TrimSpace(entry.Address)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("token %d: invalid contract address %q", i, entry.Address)
		}
		assets = append(assets, Asset{ID: NormaliseID(addr), Min: entry.Min, Max: entry.Max})
	}
	return assets, nil
}
