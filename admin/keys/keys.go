// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package keys rotates the platform's token signing keys on a daily
// cadence with an overlap window, so tokens in flight survive rotation.
package keys

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/auth"
)

var (
	// Error is the keys error class.
	Error = errs.Class("keys")

	mon = monkit.Package()
)

// Config configures key rotation.
type Config struct {
	RotationInterval time.Duration `help:"how often a fresh signing key is installed" default:"24h"`
	Overlap          time.Duration `help:"how long a retired key keeps verifying tokens" default:"25h"`
	TokenTTL         time.Duration `help:"lifetime of issued service tokens" default:"1h"`
}

// Rotator owns the key set and rotates it on a cycle.
type Rotator struct {
	log    *zap.Logger
	config Config
	set    *auth.KeySet

	Loop *sync2.Cycle
}

// NewRotator creates a rotator with an immediately usable key set.
func NewRotator(log *zap.Logger, config Config) (*Rotator, error) {
	rotator := &Rotator{
		log:    log,
		config: config,
		set:    auth.NewKeySet(),
		Loop:   sync2.NewCycle(config.RotationInterval),
	}
	if err := rotator.rotateOnce(context.Background()); err != nil {
		return nil, err
	}
	return rotator, nil
}

// KeySet returns the live key set. It is safe for concurrent use and
// reflects rotations as they happen.
func (rotator *Rotator) KeySet() *auth.KeySet { return rotator.set }

// IssueServiceToken signs a token for an internal service.
func (rotator *Rotator) IssueServiceToken(service string) (string, error) {
	token, err := rotator.set.Sign(service, auth.SubjectServiceAccount, auth.RoleAdmin, rotator.config.TokenTTL)
	return token, Error.Wrap(err)
}

// Run rotates keys until ctx is canceled. The first key is installed at
// construction; the cycle replaces it every interval and prunes keys
// whose overlap has passed.
func (rotator *Rotator) Run(ctx context.Context) error {
	return rotator.Loop.Run(ctx, func(ctx context.Context) error {
		if err := rotator.rotateOnce(ctx); err != nil {
			rotator.log.Error("key rotation failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the rotation loop.
func (rotator *Rotator) Close() error {
	rotator.Loop.Close()
	return nil
}

func (rotator *Rotator) rotateOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	key, err := auth.GenerateKey(now, rotator.config.Overlap)
	if err != nil {
		return Error.Wrap(err)
	}
	rotator.set.Rotate(key)
	pruned := rotator.set.Prune(now)

	rotator.log.Info("signing key rotated",
		zap.String("key_id", key.ID),
		zap.Int("pruned", pruned),
		zap.Int("active", len(rotator.set.ActiveKeys())))
	mon.Event("signing_key_rotated")
	return nil
}
