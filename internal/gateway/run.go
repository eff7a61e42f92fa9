package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ingestErrorBackoff is the pause after a failed stream read.
const ingestErrorBackoff = time.Second

// startLoop starts a loop goroutine and reports non-canceled errors
func (g *Gateway) startLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	name string,
	loop func(context.Context) error,
	errCh chan<- error,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("%s loop error: %w", name, err)
		}
	}()
}

// Run connects the broker session and drives every loop until ctx is
// cancelled or a loop fails. A loop error cancels the others and is
// returned once they have stopped; callers treat it as fatal.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("Starting gateway")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.session.Connect(ctx); err != nil && ctx.Err() == nil {
		g.log.Warn("initial broker connection failed, retrying in background: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	g.startLoop(ctx, &wg, "relay", g.relay.Run, errCh)
	g.startLoop(ctx, &wg, "forwarder", g.forwarder.Run, errCh)
	if g.supervisor != nil {
		g.startLoop(ctx, &wg, "supervisor", g.supervisor.Run, errCh)
	}
	if g.ingest != nil {
		g.startLoop(ctx, &wg, "ingest-fetch", g.fetchLoop, errCh)
		g.startLoop(ctx, &wg, "ingest-claim", g.claimLoop, errCh)
		g.startLoop(ctx, &wg, "ingest-cleanup", g.cleanupLoop, errCh)
	}
	if g.status != nil {
		g.startLoop(ctx, &wg, "status", g.status.Run, errCh)
	}

	select {
	case <-ctx.Done():
		g.log.Info("Stopping gateway loops")
		wg.Wait()
		return nil
	case err := <-errCh:
		g.log.Error("Gateway error: %v", err)
		cancel()
		wg.Wait()
		return err
	}
}

// fetchLoop continuously moves new stream entries into the queue store
func (g *Gateway) fetchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := g.ingest.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.Error("Failed to read batch from Redis: %v", err)
			if err := g.sleep(ctx, ingestErrorBackoff); err != nil {
				return err
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		g.log.Debug("Fetched %d entries from Redis", len(entries))
		if _, err := g.ingest.Ingest(ctx, entries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// claimLoop periodically takes over entries a crashed consumer left pending
func (g *Gateway) claimLoop(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.cfg.Ingest.ClaimIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := g.ingest.ClaimIdle(ctx)
			if err != nil {
				g.log.Error("Failed to claim idle entries: %v", err)
				continue
			}
			if len(entries) == 0 {
				continue
			}
			g.log.Info("Claimed %d idle entries", len(entries))
			if _, err := g.ingest.Ingest(ctx, entries); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

// cleanupLoop periodically removes dead consumers from the consumer group
func (g *Gateway) cleanupLoop(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.cfg.Ingest.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := g.ingest.CleanupDeadConsumers(ctx, g.cfg.Ingest.ConsumerIdleTimeout)
			if err != nil {
				g.log.Error("Failed to cleanup dead consumers: %v", err)
				continue
			}
			if removed > 0 {
				g.log.Info("Cleaned up %d dead consumers", removed)
			}
		}
	}
}

func (g *Gateway) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(d):
		return nil
	}
}
