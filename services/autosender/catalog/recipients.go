package catalog

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RecipientSet is a deduplicated, ordered list of lower-cased destination
// addresses.
type RecipientSet struct {
	addrs []string
}

// NewRecipientSet normalises and deduplicates addrs, keeping first-seen order.
// Blank entries are dropped; anything else must be a 20-byte hex address so
// the ledger key and the on-chain destination cannot diverge.
func NewRecipientSet(addrs []string) (*RecipientSet, error) {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for i, addr := range addrs {
		id := NormaliseID(addr)
		if id == "" {
			continue
		}
		if !common.IsHexAddress(id) {
			return nil, fmt.Errorf("recipient %d: invalid address %q", i, addr)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return &RecipientSet{addrs: out}, nil
}

// Addresses returns a copy of the recipients in load order.
func (r *RecipientSet) Addresses() []string {
	out := make([]string, len(r.addrs))
	copy(out, r.addrs)
	return out
}

// Len reports the number of unique recipients.
func (r *RecipientSet) Len() int { return len(r.addrs) }

// LoadRecipients reads one address per line. Blank lines are skipped and every
// remaining line must be a hex address.
func LoadRecipients(path string) (*RecipientSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipients: %w", err)
	}
	defer file.Close()

	var addrs []string
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		entry := strings.TrimSpace(scanner.Text())
		if entry == "" {
			continue
		}
		if !common.IsHexAddress(entry) {
			return nil, fmt.Errorf("recipients line %d: invalid address %q", line, entry)
		}
		addrs = append(addrs, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	return NewRecipientSet(addrs)
}
