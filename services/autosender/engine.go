package autosender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"autosender/crypto"
	telemetry "autosender/observability/otel"
	"autosender/services/autosender/catalog"
	"autosender/services/autosender/clock"
	"autosender/services/autosender/ledger"
	"autosender/services/autosender/pacing"
	"autosender/services/autosender/retry"
	"autosender/services/autosender/wallet"
)

// Custody turns a configured credential into a sender identity.
type Custody interface {
	Open(credential string) (*crypto.Sender, error)
}

// EngineConfig bundles the collaborators every engine requires.
type EngineConfig struct {
	Chain       wallet.Client
	Custody     Custody
	Credentials []string
	Catalog     *catalog.Catalog
	Recipients  *catalog.RecipientSet
	Ledger      *ledger.Ledger
	Pacing      *pacing.Policy
	Retry       retry.Policy
	// Interval separates successive campaign starts; defaults to 24h.
	Interval time.Duration
}

// State describes what the engine is doing.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// CampaignStats counts per-recipient outcomes of one campaign pass.
type CampaignStats struct {
	Sent            int `json:"sent"`
	Duplicates      int `json:"duplicates"`
	BalanceSkips    int `json:"balance_skips"`
	RecipientErrors int `json:"recipient_errors"`
	SenderErrors    int `json:"sender_errors"`
}

// Status is a point-in-time view of the engine for operators.
type Status struct {
	State         State         `json:"state"`
	Campaign      string        `json:"campaign,omitempty"`
	Campaigns     int           `json:"campaigns"`
	LastStarted   time.Time     `json:"last_started"`
	LastFinished  time.Time     `json:"last_finished"`
	NextRun       time.Time     `json:"next_run"`
	LastError     string        `json:"last_error,omitempty"`
	Current       CampaignStats `json:"current"`
	LedgerEntries int           `json:"ledger_entries"`
}

// Engine drives campaigns: every sender walks the shuffled recipients once,
// paying each (sender, asset, recipient) triple at most once ever.
type Engine struct {
	chain       wallet.Client
	custody     Custody
	credentials []string
	catalog     *catalog.Catalog
	recipients  *catalog.RecipientSet
	ledger      *ledger.Ledger
	pacing      *pacing.Policy
	retry       retry.Policy
	interval    time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	status Status
}

// EngineOption customises the engine instance.
type EngineOption func(*Engine)

// WithClock overrides the clock used for pacing and scheduling.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer used for campaign and transfer spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine validates the collaborators and constructs an idle engine.
func NewEngine(cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	switch {
	case cfg.Chain == nil:
		return nil, fmt.Errorf("autosender: chain client required")
	case cfg.Custody == nil:
		return nil, fmt.Errorf("autosender: key custody required")
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("autosender: asset catalog required")
	case cfg.Recipients == nil:
		return nil, fmt.Errorf("autosender: recipient set required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("autosender: ledger required")
	case cfg.Pacing == nil:
		return nil, fmt.Errorf("autosender: pacing policy required")
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = retry.DefaultAttempts
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	e := &Engine{
		chain:       cfg.Chain,
		custody:     cfg.Custody,
		credentials: append([]string(nil), cfg.Credentials...),
		catalog:     cfg.Catalog,
		recipients:  cfg.Recipients,
		ledger:      cfg.Ledger,
		pacing:      cfg.Pacing,
		retry:       cfg.Retry,
		interval:    interval,
		clock:       clock.Real(),
		logger:      slog.Default(),
		metrics:     NewMetrics(),
		tracer:      telemetry.Tracer("autosender"),
		status:      Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer("autosender")
	}
	e.status.LedgerEntries = e.ledger.Len()
	return e, nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) update(fn func(*Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.status)
}

// RunCampaign performs one full pass. Recipient and sender failures are logged
// and isolated; only failures escaping both tiers are returned, as a
// *CampaignError.
func (e *Engine) RunCampaign(ctx context.Context) (err error) {
	id := uuid.NewString()
	started := e.clock.Now()
	log := e.logger.With(slog.String("campaign", id))

	ctx, span := e.tracer.Start(ctx, "autosender.campaign", trace.WithAttributes(
		attribute.String("campaign", id),
		attribute.Int("senders", len(e.credentials)),
		attribute.Int("recipients", e.recipients.Len()),
	))
	defer span.End()

	e.update(func(s *Status) {
		s.State = StateRunning
		s.Campaign = id
		s.Campaigns++
		s.LastStarted = started
		s.Current = CampaignStats{}
	})
	defer func() {
		if r := recover(); r != nil {
			err = &CampaignError{Campaign: id, Err: fmt.Errorf("panic: %v", r)}
		}
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		finished := e.clock.Now()
		e.metrics.ObserveCampaign(outcome, finished.Sub(started))
		e.update(func(s *Status) {
			s.State = StateIdle
			s.LastFinished = finished
			s.LastError = ""
			if err != nil {
				s.LastError = err.Error()
			}
		})
		stats := e.Status().Current
		log.Info("campaign finished",
			slog.String("outcome", outcome),
			slog.Duration("elapsed", finished.Sub(started)),
			slog.Int("sent", stats.Sent),
			slog.Int("duplicates", stats.Duplicates),
			slog.Int("balance_skips", stats.BalanceSkips),
			slog.Int("recipient_errors", stats.RecipientErrors),
			slog.Int("sender_errors", stats.SenderErrors))
	}()

	if err := e.ledger.Load(); err != nil {
		return &CampaignError{Campaign: id, Err: err}
	}
	e.publishLedgerSize()
	order := e.pacing.Shuffle(e.recipients.Addresses())
	log.Info("campaign started",
		slog.Int("senders", len(e.credentials)),
		slog.Int("recipients", len(order)),
		slog.Int("tokens", e.catalog.Len()))

	for _, credential := range e.credentials {
		if err := ctx.Err(); err != nil {
			return &CampaignError{Campaign: id, Err: err}
		}
		sender, err := e.custody.Open(credential)
		if err != nil {
			log.Error("sender skipped",
				slog.String("source", crypto.Describe(credential)),
				slog.Any("error", err))
			e.metrics.RecordSenderError()
			e.update(func(s *Status) { s.Current.SenderErrors++ })
			continue
		}
		if err := e.runSender(ctx, log, sender, order); err != nil {
			return &CampaignError{Campaign: id, Err: err}
		}
		delay := e.pacing.SenderDelay()
		log.Info("sender finished", slog.String("sender", sender.LedgerKey()), slog.Duration("next_sender_in", delay))
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return &CampaignError{Campaign: id, Err: err}
		}
	}
	return nil
}

// runSender walks the recipients for one sender. Recipient failures are
// logged and skipped; the returned error is reserved for cancellation and
// ledger write failures, which must stop the campaign.
func (e *Engine) runSender(ctx context.Context, log *slog.Logger, sender *crypto.Sender, order []string) error {
	from := sender.LedgerKey()
	log = log.With(slog.String("sender", from))
	for _, recipient := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		sel := e.pacing.SelectTransfer()
		rlog := log.With(
			slog.String("recipient", recipient),
			slog.String("asset", sel.AssetID()),
			slog.String("amount", sel.Amount.String()))

		if e.ledger.HasSent(from, sel.AssetID(), recipient) {
			rlog.Info("duplicate skip")
			e.metrics.RecordSkip("duplicate")
			e.update(func(s *Status) { s.Current.Duplicates++ })
			continue
		}

		tx, err := e.transfer(ctx, rlog, sender, recipient, sel)
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			rlog.Info("insufficient balance skip", slog.String("detail", err.Error()))
			e.metrics.RecordSkip("balance")
			e.update(func(s *Status) { s.Current.BalanceSkips++ })
			continue
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rlog.Error("recipient failed", slog.Any("error", err))
			e.metrics.RecordTransfer(assetKind(sel), "failed")
			e.update(func(s *Status) { s.Current.RecipientErrors++ })
			continue
		}

		if err := e.ledger.Record(from, sel.AssetID(), recipient); err != nil {
			return fmt.Errorf("record %s/%s/%s: %w", from, sel.AssetID(), recipient, err)
		}
		e.metrics.RecordTransfer(assetKind(sel), "sent")
		e.update(func(s *Status) { s.Current.Sent++ })
		e.publishLedgerSize()

		delay := e.pacing.TransferDelay()
		rlog.Info("transfer complete", slog.String("tx", tx.Hex()), slog.Duration("next_transfer_in", delay))
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// transfer executes the selected transfer and waits for its confirmation.
func (e *Engine) transfer(ctx context.Context, log *slog.Logger, sender *crypto.Sender, recipient string, sel pacing.Selection) (tx wallet.TxRef, err error) {
	ctx, span := e.tracer.Start(ctx, "autosender.transfer", trace.WithAttributes(
		attribute.String("sender", sender.LedgerKey()),
		attribute.String("recipient", recipient),
		attribute.String("asset", sel.AssetID()),
		attribute.String("amount", sel.Amount.String()),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrInsufficientBalance) {
			err = &TransferError{Sender: sender.LedgerKey(), Asset: sel.AssetID(), Recipient: recipient, Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	to := common.HexToAddress(recipient)
	started := e.clock.Now()
	if sel.Native() {
		amount, err := wallet.ToBaseUnits(sel.Amount, wallet.NativeDecimals)
		if err != nil {
			return wallet.TxRef{}, err
		}
		tx, err = retry.Do(ctx, e.clock, e.retry, e.retryHook(log, "send native"), func(ctx context.Context) (wallet.TxRef, error) {
			return e.chain.SendNative(ctx, sender, to, amount)
		})
		if err != nil {
			return wallet.TxRef{}, err
		}
	} else {
		tx, err = e.sendToken(ctx, log, sender, to, sel)
		if err != nil {
			return wallet.TxRef{}, err
		}
	}
	log.Info("transfer submitted", slog.String("tx", tx.Hex()))
	span.SetAttributes(attribute.String("tx", tx.Hex()))

	_, err = retry.Do(ctx, e.clock, e.retry, e.retryHook(log.With(slog.String("tx", tx.Hex())), "confirm"), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.chain.WaitConfirmation(ctx, tx)
	})
	if err != nil {
		return tx, err
	}
	e.metrics.ObserveTransferLatency(assetKind(sel), e.clock.Now().Sub(started))
	return tx, nil
}

func (e *Engine) sendToken(ctx context.Context, log *slog.Logger, sender *crypto.Sender, to common.Address, sel pacing.Selection) (wallet.TxRef, error) {
	if !common.IsHexAddress(sel.AssetID()) {
		return wallet.TxRef{}, fmt.Errorf("token id %q is not a contract address", sel.AssetID())
	}
	token := common.HexToAddress(sel.AssetID())
	decimals, err := retry.Do(ctx, e.clock, e.retry, e.retryHook(log, "read decimals"), func(ctx context.Context) (uint8, error) {
		return e.chain.TokenDecimals(ctx, token)
	})
	if err != nil {
		return wallet.TxRef{}, err
	}
	balance, err := retry.Do(ctx, e.clock, e.retry, e.retryHook(log, "read balance"), func(ctx context.Context) (*big.Int, error) {
		return e.chain.TokenBalance(ctx, token, sender.Address())
	})
	if err != nil {
		return wallet.TxRef{}, err
	}
	amount, err := wallet.ToBaseUnits(sel.Amount, decimals)
	if err != nil {
		return wallet.TxRef{}, err
	}
	if balance == nil {
		balance = new(big.Int)
	}
	if balance.Cmp(amount) < 0 {
		return wallet.TxRef{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance,
			wallet.FromBaseUnits(balance, decimals), sel.Amount)
	}
	fee, err := e.chain.SuggestFee(ctx)
	if err != nil {
		log.Warn("fee hint unavailable", slog.Any("error", err))
		fee = nil
	}
	return retry.Do(ctx, e.clock, e.retry, e.retryHook(log, "send token"), func(ctx context.Context) (wallet.TxRef, error) {
		return e.chain.SendToken(ctx, token, sender, to, amount, fee)
	})
}

func (e *Engine) retryHook(log *slog.Logger, op string) retry.Hook {
	return func(attempt int, err error) {
		log.Warn("attempt failed",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.retry.Attempts),
			slog.Bool("permanent", retry.IsPermanent(err)),
			slog.Any("error", err))
		e.metrics.RecordRetry(op)
	}
}

func (e *Engine) publishLedgerSize() {
	n := e.ledger.Len()
	e.metrics.SetLedgerEntries(n)
	e.update(func(s *Status) { s.LedgerEntries = n })
}

func assetKind(sel pacing.Selection) string {
	if sel.Native() {
		return "native"
	}
	return "token"
}
