package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// UpdateCheck is the outcome of comparing the installed version with the
// newest published one.
type UpdateCheck struct {
	HasUpdate  bool
	Local      string
	Remote     string
	Source     string
	Descriptor *domain.UpdateDescriptor

	// NeedsLogin and NeedVIP are set when a source refused the request
	// for that reason, even if a later source answered.
	NeedsLogin bool
	NeedVIP    bool
}

// UpdateChecker asks its sources in order and uses the first answer.
type UpdateChecker struct {
	sources []domain.UpdateSource
	store   domain.InstallStateStore
	logger  *zap.Logger
}

// NewUpdateChecker creates a checker over sources, highest priority first.
func NewUpdateChecker(store domain.InstallStateStore, logger *zap.Logger, sources ...domain.UpdateSource) *UpdateChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpdateChecker{sources: sources, store: store, logger: logger}
}

// Check resolves the latest release. It fails only when no source answers;
// the error then carries the kind of the most relevant refusal.
func (c *UpdateChecker) Check(ctx context.Context) (*UpdateCheck, error) {
	local := c.store.Load()
	check := &UpdateCheck{Local: local.Version}

	var errs []error
	for _, src := range c.sources {
		desc, err := src.Latest(ctx)
		if err != nil {
			switch domain.KindOf(err) {
			case domain.KindUnauthorized:
				check.NeedsLogin = true
			case domain.KindForbidden:
				check.NeedVIP = true
			}
			c.logger.Info("update source unavailable", zap.String("source", src.Name()), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		check.Source = src.Name()
		check.Descriptor = desc
		check.Remote = desc.Version
		check.HasUpdate = !local.Installed || domain.IsNewerVersion(desc.Version, local.Version)
		c.logger.Info("update check complete", zap.String("source", src.Name()),
			zap.String("local", check.Local), zap.String("remote", check.Remote), zap.Bool("has_update", check.HasUpdate))
		return check, nil
	}

	if len(errs) == 0 {
		return check, domain.Errorf(domain.KindNotFound, "check for updates", "no update source configured")
	}
	return check, fmt.Errorf("check for updates: %w", errors.Join(errs...))
}
