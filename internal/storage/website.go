package storage

import (
	"context"
	"time"

	"github.com/bleepstore/bleepfs/internal/driver"
	fserr "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/metrics"
)

// SetStaticWebsite turns static website hosting of the account on or off.
// Only flat-blob targets authenticated with an account key can do this.
func (s *Store) SetStaticWebsite(ctx context.Context, enabled bool) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation("set_static_website", start, err) }(time.Now())

	if s.target.Kind == driver.KindS3Compatible {
		return fserr.ErrUnsupportedOperation.WithMessage("static website hosting is not available for S3-compatible storage")
	}
	wc, ok := s.drv.(driver.WebsiteController)
	if !ok {
		return fserr.ErrUnsupportedOperation.WithMessage("static website hosting is not available for %s storage", s.target.Kind)
	}
	if s.target.Credentials == CredentialManagedIdentity {
		return fserr.ErrInsufficientCredential.WithMessage("static website hosting requires an account key")
	}

	cfg := s.opts.Website
	cfg.Enabled = enabled
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return wc.SetStaticWebsite(ctx, cfg)
	}); err != nil {
		return err
	}
	s.logger.Info("static website updated", "enabled", enabled, "index", cfg.IndexDocument, "error_document", cfg.ErrorDocument404Path)
	return nil
}
