// Package analytics summarizes the local moderation audit trail for the
// modstats command.
package analytics

import (
	"context"
	"time"

	"linkus-bot/internal/storage"
)

type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

// Report is a per-guild rollup of audit entries since a cutoff.
type Report struct {
	Total   int
	ByLevel map[string]int
	ByEvent map[string]int
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListModerationLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{ByLevel: make(map[string]int), ByEvent: make(map[string]int)}
	for _, entry := range logs {
		report.Total++
		report.ByLevel[entry.Level]++
		report.ByEvent[entry.Event]++
	}
	return report, nil
}
