package app

import (
	"context"

	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/queue"
)

// campaignStats feeds the metrics collector from the controller
type campaignStats struct {
	controller *queue.Controller
}

func (s campaignStats) CampaignStats(ctx context.Context) (*metrics.CampaignStats, error) {
	st, err := s.controller.Status(ctx)
	if err != nil || st == nil {
		return nil, err
	}
	return &metrics.CampaignStats{
		State:   string(st.Status),
		Pending: st.PendingCount,
	}, nil
}
