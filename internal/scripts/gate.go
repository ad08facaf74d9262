// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package scripts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// allowedClients are the substrings identifying the game runtime in a client
// identity string.
var allowedClients = []string{"Roblox", "HttpGet", "RobloxStudio", "RCC"}

// AllowedClient reports whether the declared client identity belongs to the
// game runtime.
//
// The check is advisory: any caller can send an arbitrary identity string.
func AllowedClient(clientID string) bool {
	for _, s := range allowedClients {
		if strings.Contains(clientID, s) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(clientID), "roblox")
}

// Gate decides whether a script fetch is served.
type Gate struct {
	store Storage
	now   func() time.Time
}

// NewGate returns a Gate backed by store. If now is nil, time.Now is used.
func NewGate(store Storage, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, now: now}
}

// Serve returns the content of the script with the given token if the client
// is allowed to fetch it.
//
// An unknown token results in ErrNotFound and no side effects. A client not on
// the allow-list results in ErrForbidden and one "access_blocked" activity
// entry. Otherwise the download is counted, a "script_downloaded" entry is
// appended and the bot activity time is bumped.
func (g *Gate) Serve(ctx context.Context, token, clientID, addr string) (string, error) {
	s, err := g.store.GetScriptByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("script %q: %w", token, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("looking up script %q: %w", token, err)
	}

	if !AllowedClient(clientID) {
		if _, err := g.store.CreateActivity(ctx, NewActivity{
			ScriptID: Ptr(s.ID),
			Action:   ActionAccessBlocked,
			Details:  "Blocked access from non-Roblox user agent: " + clientID,
			Addr:     addr,
			ClientID: clientID,
		}); err != nil {
			return "", fmt.Errorf("recording blocked access to %q: %w", token, err)
		}
		return "", fmt.Errorf("script %q: client %q: %w", token, clientID, ErrForbidden)
	}

	if err := g.store.IncrementDownloadCount(ctx, token); err != nil {
		return "", fmt.Errorf("counting download of %q: %w", token, err)
	}
	if _, err := g.store.CreateActivity(ctx, NewActivity{
		ActorID:  Ptr(s.OwnerID),
		ScriptID: Ptr(s.ID),
		Action:   ActionScriptDownloaded,
		Details:  fmt.Sprintf("Script %s downloaded successfully", token),
		Addr:     addr,
		ClientID: clientID,
	}); err != nil {
		return "", fmt.Errorf("recording download of %q: %w", token, err)
	}
	if err := g.store.UpdateBotStatus(ctx, BotStatusUpdate{LastActivity: Ptr(g.now())}); err != nil {
		return "", fmt.Errorf("updating bot activity: %w", err)
	}

	return s.Content, nil
}
