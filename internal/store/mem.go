// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.astrophena.name/scriptgate/internal/scripts"
	"go.astrophena.name/scriptgate/internal/util/syncx"
)

// MemStore is a volatile in-memory implementation of scripts.Storage. A
// single lock guards all of its state.
type MemStore struct {
	now   func() time.Time
	state *syncx.Protected[*memState]
}

type memState struct {
	users      map[int64]*scripts.User
	usersByExt map[string]int64
	scripts    map[int64]*scripts.Script
	byToken    map[string]int64
	activity   []*scripts.Activity // in identity order
	bot        scripts.BotStatus

	lastUserID, lastScriptID, lastActivityID int64
}

// NewMemStore returns an empty MemStore. If now is nil, time.Now is used.
func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{
		now: now,
		state: syncx.Protect(&memState{
			users:      make(map[int64]*scripts.User),
			usersByExt: make(map[string]int64),
			scripts:    make(map[int64]*scripts.Script),
			byToken:    make(map[string]int64),
			bot:        scripts.InitialBotStatus(now()),
		}),
	}
}

var _ scripts.Storage = (*MemStore)(nil)

func (s *MemStore) read(f func(*memState)) { s.state.RAccess(f) }

func (s *MemStore) write(f func(*memState)) { s.state.Access(f) }

func userCopy(u *scripts.User) *scripts.User {
	c := *u
	return &c
}

func scriptCopy(sc *scripts.Script) *scripts.Script {
	c := *sc
	return &c
}

func activityCopy(a *scripts.Activity) *scripts.Activity {
	c := *a
	if a.ActorID != nil {
		c.ActorID = scripts.Ptr(*a.ActorID)
	}
	if a.ScriptID != nil {
		c.ScriptID = scripts.Ptr(*a.ScriptID)
	}
	return &c
}

// CreateUser implements scripts.Storage.
func (s *MemStore) CreateUser(_ context.Context, nu scripts.NewUser) (u *scripts.User, err error) {
	s.write(func(st *memState) {
		if _, dup := st.usersByExt[nu.ExternalID]; dup {
			err = fmt.Errorf("user with external id %q: %w", nu.ExternalID, scripts.ErrConflict)
			return
		}
		st.lastUserID++
		stored := &scripts.User{
			ID:          st.lastUserID,
			ExternalID:  nu.ExternalID,
			Username:    nu.Username,
			DisplayName: nu.DisplayName,
			CreatedAt:   s.now(),
			Active:      true,
		}
		st.users[stored.ID] = stored
		st.usersByExt[stored.ExternalID] = stored.ID
		u = userCopy(stored)
	})
	return u, err
}

// GetUser implements scripts.Storage.
func (s *MemStore) GetUser(_ context.Context, id int64) (u *scripts.User, err error) {
	s.read(func(st *memState) {
		stored, ok := st.users[id]
		if !ok {
			err = fmt.Errorf("user %d: %w", id, scripts.ErrNotFound)
			return
		}
		u = userCopy(stored)
	})
	return u, err
}

// GetUserByExternalID implements scripts.Storage.
func (s *MemStore) GetUserByExternalID(_ context.Context, extID string) (u *scripts.User, err error) {
	s.read(func(st *memState) {
		id, ok := st.usersByExt[extID]
		if !ok {
			err = fmt.Errorf("user with external id %q: %w", extID, scripts.ErrNotFound)
			return
		}
		u = userCopy(st.users[id])
	})
	return u, err
}

// UpdateUser implements scripts.Storage.
func (s *MemStore) UpdateUser(_ context.Context, id int64, upd scripts.UserUpdate) (u *scripts.User, err error) {
	s.write(func(st *memState) {
		stored, ok := st.users[id]
		if !ok {
			err = fmt.Errorf("user %d: %w", id, scripts.ErrNotFound)
			return
		}
		if upd.DisplayName != nil {
			stored.DisplayName = *upd.DisplayName
		}
		if upd.Active != nil {
			stored.Active = *upd.Active
		}
		u = userCopy(stored)
	})
	return u, err
}

// CreateScript implements scripts.Storage.
func (s *MemStore) CreateScript(_ context.Context, ns scripts.NewScript) (sc *scripts.Script, err error) {
	s.write(func(st *memState) {
		if _, ok := st.users[ns.OwnerID]; !ok {
			err = fmt.Errorf("owner %d: %w", ns.OwnerID, scripts.ErrNotFound)
			return
		}
		if _, dup := st.byToken[ns.Token]; dup {
			err = fmt.Errorf("script with token %q: %w", ns.Token, scripts.ErrConflict)
			return
		}
		now := s.now()
		st.lastScriptID++
		stored := &scripts.Script{
			ID:          st.lastScriptID,
			Token:       ns.Token,
			OwnerID:     ns.OwnerID,
			Content:     ns.Content,
			Title:       ns.Title,
			Description: ns.Description,
			CreatedAt:   now,
			UpdatedAt:   now,
			Active:      true,
		}
		st.scripts[stored.ID] = stored
		st.byToken[stored.Token] = stored.ID
		sc = scriptCopy(stored)
	})
	return sc, err
}

// GetScript implements scripts.Storage.
func (s *MemStore) GetScript(_ context.Context, id int64) (sc *scripts.Script, err error) {
	s.read(func(st *memState) {
		stored, ok := st.scripts[id]
		if !ok {
			err = fmt.Errorf("script %d: %w", id, scripts.ErrNotFound)
			return
		}
		sc = scriptCopy(stored)
	})
	return sc, err
}

// GetScriptByToken implements scripts.Storage.
func (s *MemStore) GetScriptByToken(_ context.Context, token string) (sc *scripts.Script, err error) {
	s.read(func(st *memState) {
		id, ok := st.byToken[token]
		if !ok {
			err = fmt.Errorf("script with token %q: %w", token, scripts.ErrNotFound)
			return
		}
		sc = scriptCopy(st.scripts[id])
	})
	return sc, err
}

// GetScriptWithOwner implements scripts.Storage.
func (s *MemStore) GetScriptWithOwner(_ context.Context, token string) (sw *scripts.ScriptWithOwner, err error) {
	s.read(func(st *memState) {
		id, ok := st.byToken[token]
		if !ok {
			err = fmt.Errorf("script with token %q: %w", token, scripts.ErrNotFound)
			return
		}
		sc := st.scripts[id]
		owner, ok := st.users[sc.OwnerID]
		if !ok {
			err = fmt.Errorf("owner %d of script %q: %w", sc.OwnerID, token, scripts.ErrNotFound)
			return
		}
		sw = withOwner(sc, owner)
	})
	return sw, err
}

func withOwner(sc *scripts.Script, owner *scripts.User) *scripts.ScriptWithOwner {
	return &scripts.ScriptWithOwner{
		Script: scriptCopy(sc),
		Owner:  scripts.Owner{Username: owner.Username, DisplayName: owner.DisplayName},
	}
}

// UpdateScript implements scripts.Storage.
func (s *MemStore) UpdateScript(_ context.Context, id int64, upd scripts.ScriptUpdate) (sc *scripts.Script, err error) {
	s.write(func(st *memState) {
		stored, ok := st.scripts[id]
		if !ok {
			err = fmt.Errorf("script %d: %w", id, scripts.ErrNotFound)
			return
		}
		if upd.Title != nil {
			stored.Title = *upd.Title
		}
		if upd.Description != nil {
			stored.Description = *upd.Description
		}
		if upd.Active != nil {
			stored.Active = *upd.Active
		}
		stored.UpdatedAt = s.now()
		sc = scriptCopy(stored)
	})
	return sc, err
}

// DeleteScript implements scripts.Storage.
func (s *MemStore) DeleteScript(_ context.Context, id int64) (deleted bool, err error) {
	s.write(func(st *memState) {
		stored, ok := st.scripts[id]
		if !ok {
			return
		}
		delete(st.scripts, id)
		delete(st.byToken, stored.Token)
		deleted = true
	})
	return deleted, nil
}

// ListScriptsByOwner implements scripts.Storage.
func (s *MemStore) ListScriptsByOwner(_ context.Context, ownerID int64) (list []*scripts.Script, err error) {
	s.read(func(st *memState) {
		list = []*scripts.Script{}
		for _, sc := range st.scripts {
			if sc.OwnerID == ownerID {
				list = append(list, scriptCopy(sc))
			}
		}
	})
	slices.SortFunc(list, func(a, b *scripts.Script) int { return cmp.Compare(a.ID, b.ID) })
	return list, nil
}

// ListRecentScripts implements scripts.Storage.
func (s *MemStore) ListRecentScripts(_ context.Context, limit int) (list []*scripts.ScriptWithOwner, err error) {
	list = []*scripts.ScriptWithOwner{}
	if limit <= 0 {
		return list, nil
	}
	s.read(func(st *memState) {
		all := make([]*scripts.Script, 0, len(st.scripts))
		for _, sc := range st.scripts {
			all = append(all, sc)
		}
		slices.SortFunc(all, func(a, b *scripts.Script) int {
			return byRecency(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
		})
		for _, sc := range all {
			if len(list) == limit {
				break
			}
			owner, ok := st.users[sc.OwnerID]
			if !ok {
				continue
			}
			list = append(list, withOwner(sc, owner))
		}
	})
	return list, nil
}

// IncrementDownloadCount implements scripts.Storage.
func (s *MemStore) IncrementDownloadCount(_ context.Context, token string) error {
	s.write(func(st *memState) {
		id, ok := st.byToken[token]
		if !ok {
			return
		}
		sc := st.scripts[id]
		sc.DownloadCount++
		sc.UpdatedAt = s.now()
	})
	return nil
}

// CountScripts implements scripts.Storage.
func (s *MemStore) CountScripts(context.Context) (c scripts.ScriptCounts, err error) {
	s.read(func(st *memState) {
		owners := make(map[int64]struct{})
		for _, sc := range st.scripts {
			owners[sc.OwnerID] = struct{}{}
		}
		c = scripts.ScriptCounts{Total: len(st.scripts), DistinctOwners: len(owners)}
	})
	return c, nil
}

// CreateActivity implements scripts.Storage.
func (s *MemStore) CreateActivity(_ context.Context, na scripts.NewActivity) (a *scripts.Activity, err error) {
	s.write(func(st *memState) {
		st.lastActivityID++
		stored := activityCopy(&scripts.Activity{
			ID:        st.lastActivityID,
			ActorID:   na.ActorID,
			ScriptID:  na.ScriptID,
			Action:    na.Action,
			Details:   na.Details,
			Addr:      na.Addr,
			ClientID:  na.ClientID,
			CreatedAt: s.now(),
		})
		st.activity = append(st.activity, stored)
		a = activityCopy(stored)
	})
	return a, nil
}

// ListActivity implements scripts.Storage.
func (s *MemStore) ListActivity(_ context.Context, limit int) ([]*scripts.Activity, error) {
	return s.listActivity(limit, func(*scripts.Activity) bool { return true }), nil
}

// ListActivityByActor implements scripts.Storage.
func (s *MemStore) ListActivityByActor(_ context.Context, actorID int64, limit int) ([]*scripts.Activity, error) {
	return s.listActivity(limit, func(a *scripts.Activity) bool {
		return a.ActorID != nil && *a.ActorID == actorID
	}), nil
}

func (s *MemStore) listActivity(limit int, keep func(*scripts.Activity) bool) []*scripts.Activity {
	list := []*scripts.Activity{}
	if limit <= 0 {
		return list
	}
	s.read(func(st *memState) {
		for _, a := range st.activity {
			if keep(a) {
				list = append(list, a)
			}
		}
	})
	// Entries are appended in identity order, so a stable sort keeps
	// ascending identities among equal timestamps.
	slices.SortStableFunc(list, func(a, b *scripts.Activity) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	list = list[:min(limit, len(list))]
	for i, a := range list {
		list[i] = activityCopy(a)
	}
	return list
}

// CountActivity implements scripts.Storage.
func (s *MemStore) CountActivity(_ context.Context, action string, since time.Time) (n int, err error) {
	s.read(func(st *memState) {
		for _, a := range st.activity {
			if a.Action == action && !a.CreatedAt.Before(since) {
				n++
			}
		}
	})
	return n, nil
}

// GetBotStatus implements scripts.Storage.
func (s *MemStore) GetBotStatus(context.Context) (bs scripts.BotStatus, err error) {
	s.read(func(st *memState) { bs = st.bot })
	return bs, nil
}

// UpdateBotStatus implements scripts.Storage.
func (s *MemStore) UpdateBotStatus(_ context.Context, upd scripts.BotStatusUpdate) error {
	s.write(func(st *memState) { applyBotStatus(&st.bot, upd) })
	return nil
}

func applyBotStatus(bs *scripts.BotStatus, upd scripts.BotStatusUpdate) {
	if upd.Connected != nil {
		bs.Connected = *upd.Connected
	}
	if upd.Username != nil {
		bs.Username = *upd.Username
	}
	if upd.LastActivity != nil {
		bs.LastActivity = *upd.LastActivity
	}
	if upd.Token != nil {
		bs.Token = *upd.Token
	}
}

// Close implements scripts.Storage. It is a no-op.
func (s *MemStore) Close() error { return nil }
