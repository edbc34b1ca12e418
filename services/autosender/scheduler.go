package autosender

import (
	"context"
	"errors"
	"log/slog"

	"autosender/services/autosender/clock"
)

// Run executes a campaign immediately and then one every interval, measured
// from the start of the previous campaign. A campaign that overruns the
// interval is followed by the next one without pause. Campaign errors are
// logged and never stop the loop. Run returns nil once ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		started := e.clock.Now()
		next := started.Add(e.interval)
		e.update(func(s *Status) { s.NextRun = next })

		if err := e.RunCampaign(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var campaignErr *CampaignError
			if !errors.As(err, &campaignErr) {
				return err
			}
			e.logger.Error("campaign error", slog.String("campaign", campaignErr.Campaign), slog.Any("error", campaignErr.Err))
		}

		e.logger.Info("next campaign scheduled", slog.Time("at", next))
		if err := clock.SleepUntil(ctx, e.clock, next); err != nil {
			return nil
		}
	}
}
