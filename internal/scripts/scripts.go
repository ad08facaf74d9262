// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package scripts implements protected script links: storing scripts under
// unguessable tokens, gating their delivery by the declared client identity,
// counting downloads and keeping an activity trail.
//
// All state lives behind the [Storage] interface. Components receive it at
// construction and keep no state of their own besides clocks.
package scripts

import (
	"context"
	"errors"
	"time"

	"go.astrophena.name/scriptgate/internal/secret"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create would violate a uniqueness
	// invariant, such as a duplicate token or external identity.
	ErrConflict = errors.New("conflict")
	// ErrForbidden is returned by the access gate when the client identity is
	// not on the allow-list.
	ErrForbidden = errors.New("forbidden")
	// ErrEmptyScript is returned when protecting an empty script.
	ErrEmptyScript = errors.New("script content is empty")
	// ErrDuplicateScript is returned when the user already owns a script with
	// identical content.
	ErrDuplicateScript = errors.New("script is already protected")
)

// User is an identity interacting with the bot.
type User struct {
	ID          int64     `json:"id"`
	ExternalID  string    `json:"external_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Active      bool      `json:"active"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// NewUser holds the fields of a user to create.
type NewUser struct {
	ExternalID  string
	Username    string
	DisplayName string
}

// UserUpdate holds the user fields to change. Nil fields are left as is.
type UserUpdate struct {
	DisplayName *string
	Active      *bool
}

// Script is a stored payload addressed by its public token.
type Script struct {
	ID            int64     `json:"id"`
	Token         string    `json:"token"`
	OwnerID       int64     `json:"owner_id"`
	Content       string    `json:"content"`
	Title         string    `json:"title,omitempty"`
	Description   string    `json:"description,omitempty"`
	DownloadCount int64     `json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Active        bool      `json:"active"`
}

// NewScript holds the fields of a script to create.
type NewScript struct {
	Token       string
	OwnerID     int64
	Content     string
	Title       string
	Description string
}

// ScriptUpdate holds the script fields to change. Nil fields are left as is.
type ScriptUpdate struct {
	Title       *string
	Description *string
	Active      *bool
}

// ScriptWithOwner is a script joined with the public fields of its owner.
type ScriptWithOwner struct {
	*Script
	Owner Owner `json:"owner"`
}

// Owner is the public projection of a script owner.
type Owner struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Activity is an immutable entry of the activity trail.
type Activity struct {
	ID        int64     `json:"id"`
	ActorID   *int64    `json:"actor_id"`
	ScriptID  *int64    `json:"script_id"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewActivity holds the fields of an activity entry to append.
type NewActivity struct {
	ActorID  *int64
	ScriptID *int64
	Action   string
	Details  string
	Addr     string
	ClientID string
}

// BotStatus describes the connection of the messaging bot.
type BotStatus struct {
	Connected    bool         `json:"connected"`
	Username     string       `json:"username"`
	LastActivity time.Time    `json:"last_activity"`
	Token        secret.Value `json:"token"`
}

// BotStatusUpdate holds the bot status fields to change. Nil fields are left
// as is.
type BotStatusUpdate struct {
	Connected    *bool
	Username     *string
	LastActivity *time.Time
	Token        *secret.Value
}

// ScriptCounts are the script aggregates needed by the dashboard.
type ScriptCounts struct {
	Total          int
	DistinctOwners int
}

// Storage is the single source of truth for users, scripts, the activity
// trail and the bot status.
//
// Absent entities are reported with an error wrapping ErrNotFound, and
// violated uniqueness with an error wrapping ErrConflict. Returned records are
// copies. Implementations must be safe for concurrent use.
type Storage interface {
	// CreateUser stores a new active user.
	CreateUser(ctx context.Context, u NewUser) (*User, error)
	// GetUser returns the user with the given identity.
	GetUser(ctx context.Context, id int64) (*User, error)
	// GetUserByExternalID returns the user with the given external identity.
	GetUserByExternalID(ctx context.Context, extID string) (*User, error)
	// UpdateUser applies upd to the user with the given identity.
	UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error)

	// CreateScript stores a new active script with zero downloads. The owner
	// must exist.
	CreateScript(ctx context.Context, s NewScript) (*Script, error)
	// GetScript returns the script with the given identity.
	GetScript(ctx context.Context, id int64) (*Script, error)
	// GetScriptByToken returns the script with the given public token.
	GetScriptByToken(ctx context.Context, token string) (*Script, error)
	// GetScriptWithOwner returns the script with the given token joined with
	// its owner. It fails if either of them is missing.
	GetScriptWithOwner(ctx context.Context, token string) (*ScriptWithOwner, error)
	// UpdateScript applies upd to the script and bumps its update time.
	UpdateScript(ctx context.Context, id int64, upd ScriptUpdate) (*Script, error)
	// DeleteScript removes the script and reports whether it existed.
	DeleteScript(ctx context.Context, id int64) (bool, error)
	// ListScriptsByOwner returns the scripts of a user in insertion order.
	ListScriptsByOwner(ctx context.Context, ownerID int64) ([]*Script, error)
	// ListRecentScripts returns at most limit scripts joined with their owners,
	// newest first. Scripts whose owner is missing are skipped.
	ListRecentScripts(ctx context.Context, limit int) ([]*ScriptWithOwner, error)
	// IncrementDownloadCount atomically adds one download to the script with
	// the given token. Unknown tokens are ignored.
	IncrementDownloadCount(ctx context.Context, token string) error
	// CountScripts returns script aggregates.
	CountScripts(ctx context.Context) (ScriptCounts, error)

	// CreateActivity appends an entry to the activity trail.
	CreateActivity(ctx context.Context, a NewActivity) (*Activity, error)
	// ListActivity returns at most limit entries, newest first.
	ListActivity(ctx context.Context, limit int) ([]*Activity, error)
	// ListActivityByActor returns at most limit entries of one actor, newest
	// first.
	ListActivityByActor(ctx context.Context, actorID int64, limit int) ([]*Activity, error)
	// CountActivity counts entries with the given action created at or after
	// since.
	CountActivity(ctx context.Context, action string, since time.Time) (int, error)

	// GetBotStatus returns the bot status.
	GetBotStatus(ctx context.Context) (BotStatus, error)
	// UpdateBotStatus applies upd to the bot status.
	UpdateBotStatus(ctx context.Context, upd BotStatusUpdate) error

	// Close releases resources held by the storage.
	Close() error
}

// Ptr returns a pointer to v. It helps filling optional fields.
func Ptr[T any](v T) *T { return &v }

// DefaultBotUsername is the bot handle reported before the bot connects.
const DefaultBotUsername = "@LuaProtectionBot"

// InitialBotStatus returns the bot status of a fresh storage: disconnected,
// with the default handle.
func InitialBotStatus(now time.Time) BotStatus {
	return BotStatus{Username: DefaultBotUsername, LastActivity: now}
}
