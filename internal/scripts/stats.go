// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package scripts

import (
	"context"
	"fmt"
	"time"
)

// DashboardStats is a read-only projection of the current state.
type DashboardStats struct {
	TotalScripts int `json:"total_scripts"`
	// ActiveUsers counts distinct script owners, not registered users. A user
	// without scripts is not counted.
	ActiveUsers    int    `json:"active_users"`
	TodayDownloads int    `json:"today_downloads"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Uptime         string `json:"uptime"`
}

// Aggregator computes dashboard statistics on demand.
type Aggregator struct {
	store   Storage
	started time.Time
	now     func() time.Time
}

// NewAggregator returns an Aggregator that measures uptime from started. If
// now is nil, time.Now is used.
func NewAggregator(store Storage, started time.Time, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: store, started: started, now: now}
}

// Stats returns the current statistics. Today's downloads are counted from
// local midnight in the location of the aggregator clock.
func (a *Aggregator) Stats(ctx context.Context) (*DashboardStats, error) {
	counts, err := a.store.CountScripts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting scripts: %w", err)
	}

	now := a.now()
	downloads, err := a.store.CountActivity(ctx, ActionScriptDownloaded, midnight(now))
	if err != nil {
		return nil, fmt.Errorf("counting downloads: %w", err)
	}

	uptime := now.Sub(a.started).Truncate(time.Second)
	if uptime < 0 {
		uptime = 0
	}
	return &DashboardStats{
		TotalScripts:   counts.Total,
		ActiveUsers:    counts.DistinctOwners,
		TodayDownloads: downloads,
		UptimeSeconds:  int64(uptime / time.Second),
		Uptime:         uptime.String(),
	}, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
