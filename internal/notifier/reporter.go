package notifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Reporter surfaces operational faults to an operator channel. Implementations
// must never fail the caller; a report is best effort.
type Reporter interface {
	ReportFailure(ctx context.Context, subject string, err error)
}

// AdminReporter pushes fault reports to one admin chat.
type AdminReporter struct {
	messenger Messenger
	chatID    int64
	logger    zerolog.Logger
}

// NewAdminReporter constructs a Reporter over an existing Messenger.
func NewAdminReporter(messenger Messenger, chatID int64, logger zerolog.Logger) *AdminReporter {
	return &AdminReporter{
		messenger: messenger,
		chatID:    chatID,
		logger:    logger.With().Str("component", "admin_reporter").Logger(),
	}
}

// ReportFailure sends one fault notice. Errors are logged and swallowed.
func (r *AdminReporter) ReportFailure(ctx context.Context, subject string, err error) {
	if r == nil || r.messenger == nil || r.chatID == 0 {
		return
	}
	text := fmt.Sprintf("🚨 nemwatch fault — %s\n\n%v", subject, err)
	if serr := r.messenger.SendMessage(ctx, r.chatID, text); serr != nil {
		r.logger.Error().Err(serr).Str("subject", subject).Msg("admin fault report failed")
	}
}

var _ Reporter = (*AdminReporter)(nil)
