package autosender

import (
	"errors"
	"fmt"

	"autosender/crypto"
	"autosender/storage"
)

// ErrInsufficientBalance marks a token transfer skipped because the sender
// holds less than the selected amount. It is a policy skip, not a failure.
var ErrInsufficientBalance = errors.New("autosender: insufficient token balance")

// ErrLedgerCorrupt reports a ledger document that exists but cannot be parsed.
var ErrLedgerCorrupt = storage.ErrCorrupt

// ErrInvalidCredential reports a sender credential that cannot be opened.
var ErrInvalidCredential = crypto.ErrInvalidCredential

// ConfigError reports invalid or missing configuration. It prevents startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// TransferError is the terminal failure of one (sender, asset, recipient)
// transfer once retries are spent or the failure is permanent. Err is the last
// underlying failure.
type TransferError struct {
	Sender    string
	Asset     string
	Recipient string
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s from %s to %s: %v", e.Asset, e.Sender, e.Recipient, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// CampaignError is the catch-all for failures that escape both the recipient
// and sender isolation tiers. The scheduler logs it and waits for the next
// tick.
type CampaignError struct {
	Campaign string
	Err      error
}

func (e *CampaignError) Error() string {
	return fmt.Sprintf("campaign %s: %v", e.Campaign, e.Err)
}

func (e *CampaignError) Unwrap() error { return e.Err }
