package ceremony

import (
	"log/slog"
	"time"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNotifier sets the broadcast sink that receives committed changes.
// Default: changes are not broadcast.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithRoster enables team membership checks on claims and votes.
// Default: every persona id is accepted.
func WithRoster(r Roster) Option {
	return func(s *Service) {
		s.roster = r
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
