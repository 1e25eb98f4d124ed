package service

import (
	"context"
	"time"

	"nem-price-alerts/internal/notifier"
	"nem-price-alerts/internal/parser"
	"nem-price-alerts/internal/storage"
)

// maintenanceLoop drives the daily summary and history pruning. Both anchor
// to the market day, not the host timezone.
func (s *Service) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.clock().In(parser.MarketTime)
			day := now.Format("2006-01-02")
			if now.Hour() == s.retention.SummaryHour && day != s.lastSummaryDay {
				s.lastSummaryDay = day
				s.sendDailySummaries(ctx, now)
				s.pruneHistory(ctx)
			}
		}
	}
}

// sendDailySummaries pushes one digest per active subscriber covering the
// current market day so far.
func (s *Service) sendDailySummaries(ctx context.Context, now time.Time) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, parser.MarketTime)
	dateDisplay := now.Format("Mon 2 Jan")

	for _, region := range nemRegions {
		subs, err := s.store.ListActiveSubscribers(ctx, region)
		if err != nil {
			s.logger.Error().Err(err).Str("region", region).Msg("list subscribers for summary failed")
			continue
		}
		if len(subs) == 0 {
			continue
		}

		stats, hasStats, err := s.store.DailyStats(ctx, region, dayStart, now)
		if err != nil {
			s.logger.Error().Err(err).Str("region", region).Msg("daily stats query failed")
			continue
		}

		for _, sub := range subs {
			alertsToday, cerr := s.store.CountAlertsInWindow(ctx, sub.ID, dayStart)
			if cerr != nil {
				s.logger.Error().Err(cerr).Int64("subscriber_id", sub.ID).Msg("alert count for summary failed")
				alertsToday = 0
			}
			text := notifier.RenderDailySummary(region, dateDisplay, stats, hasStats, alertsToday)
			if serr := s.notifier.SendDigest(ctx, sub.ID, text); serr != nil {
				s.logger.Error().Err(serr).Int64("subscriber_id", sub.ID).Msg("daily summary delivery failed")
			}
		}
	}
	s.logger.Info().Str("date", dateDisplay).Msg("daily summaries sent")
}

// pruneHistory removes rows past their retention period.
func (s *Service) pruneHistory(ctx context.Context) {
	now := s.clock().UTC()
	targets := []struct {
		table     storage.Table
		retention time.Duration
	}{
		{storage.TablePrices, s.retention.Prices},
		{storage.TableForecasts, s.retention.Forecasts},
		{storage.TableAlerts, s.retention.Alerts},
	}

	for _, t := range targets {
		if t.retention <= 0 {
			continue
		}
		removed, err := s.store.PruneOlderThan(ctx, t.table, now.Add(-t.retention))
		if err != nil {
			s.logger.Error().Err(err).Str("table", string(t.table)).Msg("prune failed")
			continue
		}
		if removed > 0 {
			s.logger.Info().Str("table", string(t.table)).Int64("removed", removed).Msg("history pruned")
		}
	}
}
