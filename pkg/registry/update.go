package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/cachefront/cachefront/pkg/database"
)

// UpdateInput carries the mutable fields of a source. Nil pointers leave the
// stored value untouched.
type UpdateInput struct {
	Name               *string
	CanonicalName      *string
	BaseURL            *string
	AuthType           *string
	Credentials        *Credentials
	CustomHeaders      map[string]string
	Priority           *int
	Active             *bool
	TimeoutMs          *int
	RetryCount         *int
	BreakerThreshold   *int
	VaryHeaders        []string
	SelectionMode      *string
	KillSwitch         *bool
	BypassBotDetection *bool
	FallbackMode       *string
	CostPerRequest     *float64
}

// Update applies the set fields to the source and returns the updated row.
// Storage mode changes go through UpdateStorageMode, which also migrates the
// source's entries.
func (r *Registry) Update(ctx context.Context, appID, sourceID string, in UpdateInput) (*database.Source, error) {
	src, err := r.GetByID(ctx, appID, sourceID)
	if err != nil {
		return nil, err
	}

	var columns []string

	if in.Name != nil {
		src.Name = *in.Name
		columns = append(columns, "name")
	}

	if in.CanonicalName != nil {
		src.CanonicalName = *in.CanonicalName
		columns = append(columns, "canonical_name")
	}

	if in.BaseURL != nil {
		src.BaseURL = *in.BaseURL
		columns = append(columns, "base_url")
	}

	if in.AuthType != nil {
		src.AuthType = *in.AuthType
		columns = append(columns, "auth_type")
	}

	if in.Priority != nil {
		src.Priority = *in.Priority
		columns = append(columns, "priority")
	}

	if in.Active != nil {
		src.Active = *in.Active
		columns = append(columns, "active")
	}

	if in.TimeoutMs != nil {
		src.TimeoutMs = *in.TimeoutMs
		columns = append(columns, "timeout_ms")
	}

	if in.RetryCount != nil {
		src.RetryCount = *in.RetryCount
		columns = append(columns, "retry_count")
	}

	if in.BreakerThreshold != nil {
		src.BreakerThreshold = *in.BreakerThreshold
		columns = append(columns, "breaker_threshold")
	}

	if in.VaryHeaders != nil {
		src.VaryHeaders = in.VaryHeaders
		columns = append(columns, "vary_headers")
	}

	if in.SelectionMode != nil {
		src.SelectionMode = *in.SelectionMode
		columns = append(columns, "selection_mode")
	}

	if in.KillSwitch != nil {
		src.KillSwitch = *in.KillSwitch
		columns = append(columns, "kill_switch")
	}

	if in.BypassBotDetection != nil {
		src.BypassBotDetection = *in.BypassBotDetection
		columns = append(columns, "bypass_bot_detection")
	}

	if in.FallbackMode != nil {
		src.FallbackMode = *in.FallbackMode
		columns = append(columns, "fallback_mode")
	}

	if in.CostPerRequest != nil {
		src.CostPerRequest = *in.CostPerRequest
		columns = append(columns, "cost_per_request")
	}

	if in.Credentials != nil {
		plain, err := json.Marshal(in.Credentials)
		if err != nil {
			return nil, fmt.Errorf("error serializing the credentials: %w", err)
		}

		src.AuthCredentials, err = r.cipher.Encrypt(string(plain))
		if err != nil {
			return nil, fmt.Errorf("error encrypting the credentials: %w", err)
		}

		columns = append(columns, "auth_credentials")
	}

	if in.CustomHeaders != nil {
		plain, err := json.Marshal(in.CustomHeaders)
		if err != nil {
			return nil, fmt.Errorf("error serializing the custom headers: %w", err)
		}

		src.CustomHeaders, err = r.cipher.Encrypt(string(plain))
		if err != nil {
			return nil, fmt.Errorf("error encrypting the custom headers: %w", err)
		}

		columns = append(columns, "custom_headers")
	}

	if len(columns) == 0 {
		return src, nil
	}

	now := time.Now()
	src.UpdatedAt = &now
	columns = append(columns, "updated_at")

	if _, err := r.db.NewUpdate().
		Model(src).
		Column(columns...).
		WherePK().
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("error updating the source %q: %w", sourceID, err)
	}

	return src, nil
}

// Delete removes a source together with its cache entries, policy, mocks and
// compliance rules.
func (r *Registry) Delete(ctx context.Context, appID, sourceID string) error {
	src, err := r.GetByID(ctx, appID, sourceID)
	if err != nil {
		return err
	}

	for _, model := range []any{
		(*database.CacheEntry)(nil),
		(*database.CachePolicy)(nil),
		(*database.MockResponse)(nil),
		(*database.ComplianceRule)(nil),
	} {
		if _, err := r.db.NewDelete().
			Model(model).
			Where("app_id = ?", appID).
			Where("source_id = ?", sourceID).
			Exec(ctx); err != nil {
			return fmt.Errorf("error deleting the dependents of %q: %w", sourceID, err)
		}
	}

	if _, err := r.db.NewDelete().
		Model(src).
		WherePK().
		Exec(ctx); err != nil {
		return fmt.Errorf("error deleting the source %q: %w", sourceID, err)
	}

	return nil
}
