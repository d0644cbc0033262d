package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"crosspost/internal/content"
	"crosspost/internal/eventbus"
	"crosspost/internal/publisher"
	logx "crosspost/pkg/logx"
)

// processItem runs the filter over one content item's platform map, dispatches
// the eligible pairs concurrently, merges results, and recomputes the
// aggregate once everything for this item has settled.
func (s *Service) processItem(ctx context.Context, item *content.ContentItem, cfg Config, stats *TickStats) {
	now := time.Now()

	// Prior states are snapshotted here, before any dispatch goroutine exists;
	// once dispatching starts, item.PlatformStates is written under stateMu and
	// must not be read bare.
	type unit struct {
		plat content.Platform
		prev content.PlatformState
	}
	eligible := make([]unit, 0, len(item.SelectedPlatforms))
	for _, plat := range item.SelectedPlatforms {
		st := item.PlatformStates[plat]
		v := Evaluate(st, now, cfg)
		switch v.Decision {
		case DecisionAttempt:
			eligible = append(eligible, unit{plat: plat, prev: st})
		case DecisionSkipTerminal:
			stats.SkippedTerminal++
		case DecisionSkipCooldown:
			stats.SkippedCooldown++
		}
		if v.Decision != DecisionAttempt {
			s.log.Debug("publish skipped",
				logx.String("content", item.ID),
				logx.String("platform", string(plat)),
				logx.String("decision", v.Decision.String()),
				logx.String("reason", v.Reason))
			s.publishEvent(eventbus.TypePublishSkipped, PublishEvent{
				ContentID: item.ID, Platform: plat, Status: st.Status, Reason: v.Reason,
			})
		}
	}

	// Publishers get a read-only deep copy so they never observe (or race with)
	// sibling state writes happening on the live item.
	payload := item.Clone()

	// Each (content, platform) pair is an independent unit of work: a panic,
	// timeout, or store error on one platform must not affect its siblings.
	var (
		wg      sync.WaitGroup
		stateMu sync.Mutex
	)
	for _, u := range eligible {
		u := u

		if err := s.waitPermit(ctx); err != nil {
			break
		}
		stats.Dispatched++

		wg.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer wg.Done()
			defer s.inFlight.Add(-1)
			defer s.releasePermit()

			next := s.dispatchPair(ctx, payload, u.plat, u.prev, cfg)
			stateMu.Lock()
			item.PlatformStates[u.plat] = next
			switch next.Status {
			case content.StatusPublished:
				stats.Published++
			case content.StatusFailed:
				stats.Failed++
			case content.StatusQuotaExceeded:
				stats.QuotaExceeded++
			}
			stateMu.Unlock()
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	agg := Aggregate(item.PlatformStates)
	if agg != item.AggregateStatus {
		if err := s.repo.UpdateAggregateStatus(ctx, item.ID, agg); err != nil {
			s.log.Warn("aggregate status update failed",
				logx.String("content", item.ID), logx.Any("err", err))
			return
		}
		s.log.Info("aggregate status changed",
			logx.String("content", item.ID),
			logx.String("from", string(item.AggregateStatus)),
			logx.String("to", string(agg)))
		item.AggregateStatus = agg
	}
}

// dispatchPair performs one publish attempt for one (content, platform) pair
// and returns the resulting platform state.
//
// The publishing marker is persisted before the external call so a crash
// mid-call leaves a detectable marker (picked up by the in-flight window on a
// later tick) instead of a silent retry from pending.
func (s *Service) dispatchPair(ctx context.Context, item *content.ContentItem, plat content.Platform, prev content.PlatformState, cfg Config) content.PlatformState {
	start := time.Now()

	marker := prev
	marker.Status = content.StatusPublishing
	marker.LastAttemptAt = start
	marker.RetryCount = prev.RetryCount + 1
	marker.Error = ""

	if err := s.repo.UpdatePlatformState(ctx, item.ID, plat, marker); err != nil {
		// Without the marker we must not call out; try again next tick.
		s.log.Warn("publishing marker write failed",
			logx.String("content", item.ID),
			logx.String("platform", string(plat)),
			logx.Any("err", err))
		return prev
	}

	s.publishEvent(eventbus.TypePublishAttempt, PublishEvent{
		ContentID: item.ID, Platform: plat, Attempt: marker.RetryCount,
	})
	s.log.Debug("publish attempt",
		logx.String("content", item.ID),
		logx.String("platform", string(plat)),
		logx.Int("attempt", marker.RetryCount))

	res := s.callPublisher(ctx, item, plat, cfg)

	next := MergeResult(marker, res)
	if err := s.repo.UpdatePlatformState(ctx, item.ID, plat, next); err != nil {
		// The pair stays marked publishing; the in-flight window makes it
		// eligible again once the marker ages out.
		s.log.Warn("platform state merge write failed",
			logx.String("content", item.ID),
			logx.String("platform", string(plat)),
			logx.Any("err", err))
		return marker
	}

	took := time.Since(start)
	ev := PublishEvent{
		ContentID: item.ID, Platform: plat, Status: next.Status,
		Error: next.Error, Attempt: next.RetryCount, Took: took,
	}
	switch next.Status {
	case content.StatusPublished:
		s.publishEvent(eventbus.TypePublishSucceeded, ev)
		s.log.Info("published",
			logx.String("content", item.ID),
			logx.String("platform", string(plat)),
			logx.String("post_url", next.PostURL),
			logx.Duration("took", took))
	case content.StatusQuotaExceeded:
		s.publishEvent(eventbus.TypePublishQuota, ev)
		s.log.Warn("publish hit platform quota",
			logx.String("content", item.ID),
			logx.String("platform", string(plat)),
			logx.String("err", next.Error))
	default:
		s.publishEvent(eventbus.TypePublishFailed, ev)
		s.log.Warn("publish failed",
			logx.String("content", item.ID),
			logx.String("platform", string(plat)),
			logx.String("err", next.Error),
			logx.Int("attempt", next.RetryCount),
			logx.Duration("took", took))
	}
	return next
}

// callPublisher invokes the platform publisher with a bounded timeout and
// panic isolation, normalizing every outcome into a Result.
func (s *Service) callPublisher(ctx context.Context, item *content.ContentItem, plat content.Platform, cfg Config) (res publisher.Result) {
	pub, ok := s.reg.Lookup(plat)
	if !ok {
		return publisher.Failure("no publisher registered for platform " + string(plat))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("publisher panicked",
				logx.String("content", item.ID),
				logx.String("platform", string(plat)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			res = publisher.Failure(fmt.Sprintf("publisher panic: %v", r))
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()

	r, err := pub.Publish(pctx, item)
	if err != nil {
		// Infrastructure errors (including timeouts) are recorded as failed
		// results, not propagated as control flow.
		return publisher.Failure(err.Error())
	}
	return r
}

func (s *Service) waitPermit(ctx context.Context) error {
	s.mu.Lock()
	permits := s.permits
	lim := s.limiter
	s.mu.Unlock()

	if permits != nil {
		select {
		case permits <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if permits != nil {
				<-permits
			}
			return err
		}
	}
	return nil
}

func (s *Service) releasePermit() {
	s.mu.Lock()
	permits := s.permits
	s.mu.Unlock()
	if permits != nil {
		<-permits
	}
}

func (s *Service) publishEvent(typ string, data PublishEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
