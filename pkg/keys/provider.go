// Package keys holds the RSA signing keys for platform access tokens.
//
// A Provider keeps the current signing key plus every historical key that
// is still inside its certificate validity, so tokens signed before a
// rotation keep validating until they expire.
package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/observability"
)

var (
	// ErrKeyNotFound is returned for unknown or expired key ids
	ErrKeyNotFound = errors.New("keys: key not found")
	// ErrNoCurrentKey is returned when the source names no usable signing key
	ErrNoCurrentKey = errors.New("keys: no current signing key")
)

// Provider serves signing and verification keys. It is safe for concurrent use.
type Provider struct {
	source   Source
	logger   *observability.Logger
	metrics  *observability.Metrics
	recorder *audit.Recorder
	now      func() time.Time

	mu      sync.RWMutex
	current *SigningKey
	keys    map[string]*SigningKey

	reload singleflight.Group
	// kids already reported as expired while current
	expiredLogged sync.Map
}

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Provider) { p.metrics = metrics }
}

// WithRecorder records key.rotated audit events
func WithRecorder(recorder *audit.Recorder) Option {
	return func(p *Provider) { p.recorder = recorder }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider loads the initial key set. It fails when the source yields no
// current signing key.
func NewProvider(ctx context.Context, source Source, opts ...Option) (*Provider, error) {
	p := &Provider{
		source: source,
		logger: observability.NewNopLogger(),
		now:    time.Now,
		keys:   make(map[string]*SigningKey),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// CurrentKey returns the kid and private key new tokens are signed with.
// Once the current key's certificate has expired it fails with
// ErrNoCurrentKey until a rotation installs a valid key, since Resolve
// would reject anything signed with it.
func (p *Provider) CurrentKey() (string, *rsa.PrivateKey, error) {
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()

	if !current.ValidAt(p.now()) {
		p.metrics.SigningKeyExpired()
		if _, logged := p.expiredLogged.LoadOrStore(current.ID, true); !logged {
			p.logger.WithFields(map[string]interface{}{
				"kid":       current.ID,
				"not_after": current.NotAfter.Format(time.RFC3339),
			}).Error("Current signing key has expired, refusing to sign")
		}
		return "", nil, fmt.Errorf("%w: %q expired at %s", ErrNoCurrentKey, current.ID, current.NotAfter.Format(time.RFC3339))
	}
	return current.ID, current.PrivateKey, nil
}

// Resolve returns the verification key for kid
func (p *Provider) Resolve(kid string) (*rsa.PublicKey, error) {
	p.mu.RLock()
	key, ok := p.keys[kid]
	p.mu.RUnlock()

	if !ok || !key.ValidAt(p.now()) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}
	return key.PublicKey, nil
}

// KeyIDs returns the resolvable key ids in sorted order
func (p *Provider) KeyIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	ids := make([]string, 0, len(p.keys))
	for kid, key := range p.keys {
		if key.ValidAt(now) {
			ids = append(ids, kid)
		}
	}
	sort.Strings(ids)
	return ids
}

// Rotate reloads the source. Concurrent calls share a single reload. On
// failure the previous key set stays in place.
func (p *Provider) Rotate(ctx context.Context) error {
	_, err, _ := p.reload.Do("rotate", func() (interface{}, error) {
		return nil, p.load(ctx)
	})
	return err
}

func (p *Provider) load(ctx context.Context) error {
	set, err := p.source.Load(ctx)
	if err != nil {
		err = fmt.Errorf("failed to load signing keys: %w", err)
		p.logger.WithError(err).Error("Signing key reload failed")
		p.metrics.KeysReloaded(err, p.loadedCount())
		return err
	}

	now := p.now()
	current, ok := set.Keys[set.CurrentID]
	switch {
	case set.CurrentID == "" || !ok:
		err = fmt.Errorf("%w: %q is not in the key store", ErrNoCurrentKey, set.CurrentID)
	case !current.CanSign():
		err = fmt.Errorf("%w: %q has no private key", ErrNoCurrentKey, set.CurrentID)
	case !current.ValidAt(now):
		err = fmt.Errorf("%w: %q expired at %s", ErrNoCurrentKey, set.CurrentID, current.NotAfter.Format(time.RFC3339))
	}
	if err != nil {
		p.logger.WithError(err).Error("Signing key reload rejected")
		p.metrics.KeysReloaded(err, p.loadedCount())
		return err
	}

	p.mu.Lock()
	merged := make(map[string]*SigningKey, len(set.Keys)+len(p.keys))
	for kid, key := range p.keys {
		if key.ValidAt(now) {
			merged[kid] = key
		}
	}
	for kid, key := range set.Keys {
		if key.ValidAt(now) {
			merged[kid] = key
		}
	}
	previous := ""
	if p.current != nil {
		previous = p.current.ID
	}
	p.current = current
	p.keys = merged
	loaded := len(merged)
	p.mu.Unlock()

	p.metrics.KeysReloaded(nil, loaded)
	log := p.logger.WithFields(map[string]interface{}{
		"current_kid": current.ID,
		"keys_loaded": loaded,
	})
	if previous != "" && previous != current.ID {
		log.WithField("previous_kid", previous).Info("Signing key rotated")
		p.recorder.Record(ctx, audit.Entry{
			Type:         audit.EventKeyRotated,
			Status:       audit.StatusSuccess,
			ResourceType: audit.ResourceSigningKey,
			ResourceID:   current.ID,
			Detail: map[string]interface{}{
				"previous_kid": previous,
				"keys_loaded":  loaded,
			},
		})
	} else {
		log.Debug("Signing keys reloaded")
	}
	return nil
}

func (p *Provider) loadedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}
