package service

import (
	"context"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

type Health struct {
	Store store.Store
}

type ProviderHealthReport struct {
	Provider          string              `json:"provider"`
	Status            domain.HealthStatus `json:"status"`
	LastSuccessAt     *time.Time          `json:"lastSuccessAt,omitempty"`
	LastFailureAt     *time.Time          `json:"lastFailureAt,omitempty"`
	LastFailureDetail string              `json:"lastFailureDetail,omitempty"`
}

// GetProviderHealth derives the provider's status from its last success and
// failure. A provider never heard from is unknown.
func (h *Health) GetProviderHealth(ctx context.Context, provider string) (domain.HealthStatus, error) {
	r, err := h.Report(ctx, provider)
	return r.Status, err
}

func (h *Health) Report(ctx context.Context, provider string) (ProviderHealthReport, error) {
	if provider == "" {
		return ProviderHealthReport{}, domain.Validation("provider is required")
	}
	rec, found, err := h.Store.GetProviderHealth(ctx, provider)
	if err != nil {
		return ProviderHealthReport{}, err
	}
	if !found {
		return ProviderHealthReport{Provider: provider, Status: domain.HealthUnknown}, nil
	}
	return ProviderHealthReport{
		Provider:          provider,
		Status:            domain.DeriveHealth(rec.LastSuccessAt, rec.LastFailureAt),
		LastSuccessAt:     rec.LastSuccessAt,
		LastFailureAt:     rec.LastFailureAt,
		LastFailureDetail: rec.LastFailureDetail,
	}, nil
}
