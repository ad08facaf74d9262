// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package scripts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxTokenAttempts = 5

// Service implements the use cases of the bot and the dashboard on top of
// Storage.
type Service struct {
	store    Storage
	trail    *Trail
	newToken TokenFunc
}

// NewService returns a Service backed by store. If newToken is nil, NewToken
// is used.
func NewService(store Storage, newToken TokenFunc) *Service {
	if newToken == nil {
		newToken = NewToken
	}
	return &Service{store: store, trail: NewTrail(store), newToken: newToken}
}

// Sender identifies the bot user issuing a request.
type Sender struct {
	ExternalID string
	Username   string
	FirstName  string
}

// EnsureUser returns the user with the sender's external identity, creating it
// on first contact. The username defaults to "user_<external id>" and the
// display name to the first name or the username.
func (s *Service) EnsureUser(ctx context.Context, from Sender) (*User, error) {
	u, err := s.store.GetUserByExternalID(ctx, from.ExternalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up user %q: %w", from.ExternalID, err)
	}

	username := from.Username
	if username == "" {
		username = "user_" + from.ExternalID
	}
	display := from.FirstName
	if display == "" {
		display = from.Username
	}
	u, err = s.store.CreateUser(ctx, NewUser{
		ExternalID:  from.ExternalID,
		Username:    username,
		DisplayName: display,
	})
	if errors.Is(err, ErrConflict) {
		// Created concurrently by another update from the same sender.
		return s.store.GetUserByExternalID(ctx, from.ExternalID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating user %q: %w", from.ExternalID, err)
	}
	return u, nil
}

// Protect stores content as a new script of the sender and returns it.
//
// Empty content results in ErrEmptyScript, content already owned by the sender
// in ErrDuplicateScript. A token collision is retried with a fresh token.
func (s *Service) Protect(ctx context.Context, from Sender, content string) (*Script, *User, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, ErrEmptyScript
	}

	u, err := s.EnsureUser(ctx, from)
	if err != nil {
		return nil, nil, err
	}

	owned, err := s.store.ListScriptsByOwner(ctx, u.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing scripts of user %d: %w", u.ID, err)
	}
	for _, sc := range owned {
		if sc.Content == content {
			return nil, u, fmt.Errorf("%w as %s", ErrDuplicateScript, sc.Token)
		}
	}

	var sc *Script
	for attempt := 1; ; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return nil, nil, err
		}
		sc, err = s.store.CreateScript(ctx, NewScript{
			Token:       token,
			OwnerID:     u.ID,
			Content:     content,
			Title:       "Script " + token,
			Description: "Script created by " + u.Name(),
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt == maxTokenAttempts {
			return nil, nil, fmt.Errorf("creating script: %w", err)
		}
	}

	if _, err := s.trail.Record(ctx, NewActivity{
		ActorID:  Ptr(u.ID),
		ScriptID: Ptr(sc.ID),
		Action:   ActionScriptCreated,
		Details:  fmt.Sprintf("Script %s created", sc.Token),
	}); err != nil {
		return nil, nil, err
	}
	return sc, u, nil
}

// Delete removes the script with the given token and records who asked.
func (s *Service) Delete(ctx context.Context, token, addr, clientID string) error {
	sc, err := s.store.GetScriptByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("script %q: %w", token, err)
	}
	ok, err := s.store.DeleteScript(ctx, sc.ID)
	if err != nil {
		return fmt.Errorf("deleting script %q: %w", token, err)
	}
	if !ok {
		// Deleted concurrently.
		return fmt.Errorf("script %q: %w", token, ErrNotFound)
	}
	_, err = s.trail.Record(ctx, NewActivity{
		ActorID:  Ptr(sc.OwnerID),
		ScriptID: Ptr(sc.ID),
		Action:   ActionScriptDeleted,
		Details:  fmt.Sprintf("Script %s deleted", token),
		Addr:     addr,
		ClientID: clientID,
	})
	return err
}

// ScriptInfo returns the script with the given token if it belongs to the
// sender. Scripts of other users are reported as ErrNotFound.
func (s *Service) ScriptInfo(ctx context.Context, from Sender, token string) (*Script, *User, error) {
	u, err := s.EnsureUser(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	sc, err := s.store.GetScriptByToken(ctx, token)
	if err != nil {
		return nil, u, fmt.Errorf("script %q: %w", token, err)
	}
	if sc.OwnerID != u.ID {
		return nil, u, fmt.Errorf("script %q of user %d: %w", token, u.ID, ErrNotFound)
	}
	if _, err := s.trail.Record(ctx, NewActivity{
		ActorID:  Ptr(u.ID),
		ScriptID: Ptr(sc.ID),
		Action:   ActionScriptInfoViewed,
		Details:  fmt.Sprintf("Script %s info viewed", token),
	}); err != nil {
		return nil, u, err
	}
	return sc, u, nil
}

// UserScripts returns the scripts of the sender in insertion order.
func (s *Service) UserScripts(ctx context.Context, from Sender) ([]*Script, *User, error) {
	u, err := s.EnsureUser(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	list, err := s.store.ListScriptsByOwner(ctx, u.ID)
	if err != nil {
		return nil, u, fmt.Errorf("listing scripts of user %d: %w", u.ID, err)
	}
	if _, err := s.trail.Record(ctx, NewActivity{
		ActorID: Ptr(u.ID),
		Action:  ActionScriptsListed,
		Details: "User viewed their scripts",
	}); err != nil {
		return nil, u, err
	}
	return list, u, nil
}

// RecordEvent appends an entry for an event without a script, such as the bot
// being started by a user or restarted from the dashboard. actor may be nil.
func (s *Service) RecordEvent(ctx context.Context, actor *User, action, details, addr, clientID string) error {
	a := NewActivity{
		Action:   action,
		Details:  details,
		Addr:     addr,
		ClientID: clientID,
	}
	if actor != nil {
		a.ActorID = Ptr(actor.ID)
	}
	_, err := s.trail.Record(ctx, a)
	return err
}
