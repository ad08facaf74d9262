// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package scripts

import (
	"context"
	"errors"
	"fmt"
)

// Activity actions.
const (
	ActionScriptCreated    = "script_created"
	ActionScriptDownloaded = "script_downloaded"
	ActionAccessBlocked    = "access_blocked"
	ActionScriptDeleted    = "script_deleted"
	ActionScriptInfoViewed = "script_info_viewed"
	ActionScriptsListed    = "scripts_listed"
	ActionStatsViewed      = "stats_viewed"
	ActionBotStart         = "bot_start"
	ActionBotRestart       = "bot_restart"
)

// Trail is the append-only activity log.
type Trail struct {
	store Storage
}

// NewTrail returns a Trail backed by store.
func NewTrail(store Storage) *Trail { return &Trail{store: store} }

// Record appends an entry.
func (t *Trail) Record(ctx context.Context, a NewActivity) (*Activity, error) {
	if a.Action == "" {
		return nil, errors.New("activity action is empty")
	}
	return t.store.CreateActivity(ctx, a)
}

// Recent returns at most limit entries, newest first.
func (t *Trail) Recent(ctx context.Context, limit int) ([]*Activity, error) {
	return t.store.ListActivity(ctx, limit)
}

// RecentByActor returns at most limit entries of one user, newest first.
func (t *Trail) RecentByActor(ctx context.Context, actorID int64, limit int) ([]*Activity, error) {
	return t.store.ListActivityByActor(ctx, actorID, limit)
}

// ResolvedActivity is an activity entry joined with the token of its script.
// ScriptToken is nil if the entry has no script or the script was deleted.
type ResolvedActivity struct {
	*Activity
	ScriptToken *string `json:"script_token"`
}

// Resolve joins entries with the tokens of the scripts they reference.
// Dangling references are left unresolved.
func (t *Trail) Resolve(ctx context.Context, entries []*Activity) ([]*ResolvedActivity, error) {
	tokens := make(map[int64]*string)
	out := make([]*ResolvedActivity, 0, len(entries))
	for _, e := range entries {
		ra := &ResolvedActivity{Activity: e}
		if e.ScriptID != nil {
			tok, seen := tokens[*e.ScriptID]
			if !seen {
				s, err := t.store.GetScript(ctx, *e.ScriptID)
				switch {
				case errors.Is(err, ErrNotFound):
				case err != nil:
					return nil, fmt.Errorf("resolving script %d: %w", *e.ScriptID, err)
				default:
					tok = &s.Token
				}
				tokens[*e.ScriptID] = tok
			}
			ra.ScriptToken = tok
		}
		out = append(out, ra)
	}
	return out, nil
}
