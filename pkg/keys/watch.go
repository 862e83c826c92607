package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tenantauth/pkg/observability"
)

const watchDebounce = 250 * time.Millisecond

// Watch rotates whenever the key directory changes. It blocks until ctx is
// done. Bursts of events (bundle write then current update) are coalesced.
func (p *Provider) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create key watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch key directory %s: %w", dir, err)
	}

	defer observability.RecoverPanic(p.logger, "key directory watcher")
	p.logger.WithField("dir", dir).Info("Watching signing key directory")

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.WithError(err).Warn("Key watcher error")
		case <-timer.C:
			if err := p.Rotate(ctx); err != nil {
				p.logger.WithError(err).Warn("Key rotation after directory change failed, keeping previous keys")
			}
		}
	}
}

// Schedule starts a cron job that rotates on spec (for example "@every 15m").
// The caller stops the returned scheduler.
func (p *Provider) Schedule(spec string, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		defer observability.RecoverPanic(p.logger, "scheduled key rotation")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.Rotate(ctx); err != nil {
			p.logger.WithError(err).Warn("Scheduled key rotation failed, keeping previous keys")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid key reload schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
