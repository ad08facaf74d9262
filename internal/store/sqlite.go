// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"go.astrophena.name/scriptgate/internal/scripts"
	"go.astrophena.name/scriptgate/internal/secret"
	"go.astrophena.name/scriptgate/internal/store/migrations"
)

// MemoryDSN is the DSN of a private in-memory SQLite database.
const MemoryDSN = ":memory:"

// SQLiteStore is an implementation of scripts.Storage on top of SQLite.
//
// It uses a single connection, so that an in-memory database is shared by all
// callers and writes never contend for locks.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the database at dsn, which defaults to MemoryDSN, and
// migrates it to the latest schema. If now is nil, time.Now is used.
func NewSQLiteStore(ctx context.Context, dsn string, now func() time.Time) (*SQLiteStore, error) {
	if now == nil {
		now = time.Now
	}
	db, err := sql.Open("sqlite3", cmp.Or(dsn, MemoryDSN))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}

	initial := scripts.InitialBotStatus(now())
	if _, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO bot_status (id, connected, username, last_activity)
		VALUES (1, 0, ?, ?);
	`, initial.Username, initial.LastActivity.UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bot status: %w", err)
	}

	return &SQLiteStore{db: db, now: now}, nil
}

var _ scripts.Storage = (*SQLiteStore)(nil)

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func unixNano(n int64) time.Time { return time.Unix(0, n) }

type scanner interface{ Scan(dest ...any) error }

const userColumns = `id, external_id, username, display_name, created_at, active`

func scanUser(row scanner) (*scripts.User, error) {
	var (
		u       scripts.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &u.DisplayName, &created, &u.Active); err != nil {
		return nil, err
	}
	u.CreatedAt = unixNano(created)
	return &u, nil
}

const scriptColumns = `id, token, owner_id, content, title, description,
	download_count, created_at, updated_at, active`

// joinedScriptColumns are scriptColumns qualified for joins with users.
const joinedScriptColumns = `s.id, s.token, s.owner_id, s.content, s.title, s.description,
	s.download_count, s.created_at, s.updated_at, s.active`

func scanScript(row scanner, extra ...any) (*scripts.Script, error) {
	var (
		sc               scripts.Script
		created, updated int64
	)
	dest := append([]any{
		&sc.ID, &sc.Token, &sc.OwnerID, &sc.Content, &sc.Title, &sc.Description,
		&sc.DownloadCount, &created, &updated, &sc.Active,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	sc.CreatedAt = unixNano(created)
	sc.UpdatedAt = unixNano(updated)
	return &sc, nil
}

const activityColumns = `id, actor_id, script_id, action, details, addr, client_id, created_at`

func scanActivity(row scanner) (*scripts.Activity, error) {
	var (
		a                 scripts.Activity
		actorID, scriptID sql.NullInt64
		created           int64
	)
	if err := row.Scan(&a.ID, &actorID, &scriptID, &a.Action, &a.Details, &a.Addr, &a.ClientID, &created); err != nil {
		return nil, err
	}
	if actorID.Valid {
		a.ActorID = scripts.Ptr(actorID.Int64)
	}
	if scriptID.Valid {
		a.ScriptID = scripts.Ptr(scriptID.Int64)
	}
	a.CreatedAt = unixNano(created)
	return &a, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, scripts.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// CreateUser implements scripts.Storage.
func (s *SQLiteStore) CreateUser(ctx context.Context, nu scripts.NewUser) (*scripts.User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (external_id, username, display_name, created_at, active)
		VALUES (?, ?, ?, ?, 1)
		RETURNING `+userColumns+`;
	`, nu.ExternalID, nu.Username, nu.DisplayName, s.now().UnixNano())
	u, err := scanUser(row)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("user with external id %q: %w", nu.ExternalID, scripts.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetUser implements scripts.Storage.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*scripts.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?;`, id))
	if err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return u, nil
}

// GetUserByExternalID implements scripts.Storage.
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, extID string) (*scripts.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = ?;`, extID))
	if err != nil {
		return nil, notFound(err, "user with external id %q", extID)
	}
	return u, nil
}

// UpdateUser implements scripts.Storage.
func (s *SQLiteStore) UpdateUser(ctx context.Context, id int64, upd scripts.UserUpdate) (*scripts.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users SET
			display_name = COALESCE(?, display_name),
			active = COALESCE(?, active)
		WHERE id = ?
		RETURNING `+userColumns+`;
	`, upd.DisplayName, upd.Active, id))
	if err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return u, nil
}

// CreateScript implements scripts.Storage.
func (s *SQLiteStore) CreateScript(ctx context.Context, ns scripts.NewScript) (*scripts.Script, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = ?);`, ns.OwnerID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("looking up owner %d: %w", ns.OwnerID, err)
	}
	if !exists {
		return nil, fmt.Errorf("owner %d: %w", ns.OwnerID, scripts.ErrNotFound)
	}

	now := s.now().UnixNano()
	sc, err := scanScript(tx.QueryRowContext(ctx, `
		INSERT INTO scripts (token, owner_id, content, title, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+scriptColumns+`;
	`, ns.Token, ns.OwnerID, ns.Content, ns.Title, ns.Description, now, now))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("script with token %q: %w", ns.Token, scripts.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("creating script: %w", err)
	}
	return sc, tx.Commit()
}

// GetScript implements scripts.Storage.
func (s *SQLiteStore) GetScript(ctx context.Context, id int64) (*scripts.Script, error) {
	sc, err := scanScript(s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?;`, id))
	if err != nil {
		return nil, notFound(err, "script %d", id)
	}
	return sc, nil
}

// GetScriptByToken implements scripts.Storage.
func (s *SQLiteStore) GetScriptByToken(ctx context.Context, token string) (*scripts.Script, error) {
	sc, err := scanScript(s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE token = ?;`, token))
	if err != nil {
		return nil, notFound(err, "script with token %q", token)
	}
	return sc, nil
}

// GetScriptWithOwner implements scripts.Storage.
func (s *SQLiteStore) GetScriptWithOwner(ctx context.Context, token string) (*scripts.ScriptWithOwner, error) {
	var sw scripts.ScriptWithOwner
	sc, err := scanScript(s.db.QueryRowContext(ctx, `
		SELECT `+joinedScriptColumns+`, u.username, u.display_name
		FROM scripts AS s JOIN users AS u ON u.id = s.owner_id
		WHERE s.token = ?;
	`, token), &sw.Owner.Username, &sw.Owner.DisplayName)
	if err != nil {
		return nil, notFound(err, "script with owner, token %q", token)
	}
	sw.Script = sc
	return &sw, nil
}

// UpdateScript implements scripts.Storage.
func (s *SQLiteStore) UpdateScript(ctx context.Context, id int64, upd scripts.ScriptUpdate) (*scripts.Script, error) {
	sc, err := scanScript(s.db.QueryRowContext(ctx, `
		UPDATE scripts SET
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			active = COALESCE(?, active),
			updated_at = ?
		WHERE id = ?
		RETURNING `+scriptColumns+`;
	`, upd.Title, upd.Description, upd.Active, s.now().UnixNano(), id))
	if err != nil {
		return nil, notFound(err, "script %d", id)
	}
	return sc, nil
}

// DeleteScript implements scripts.Storage.
func (s *SQLiteStore) DeleteScript(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("deleting script %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) queryScripts(ctx context.Context, query string, args ...any) ([]*scripts.Script, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*scripts.Script{}
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sc)
	}
	return list, rows.Err()
}

// ListScriptsByOwner implements scripts.Storage.
func (s *SQLiteStore) ListScriptsByOwner(ctx context.Context, ownerID int64) ([]*scripts.Script, error) {
	list, err := s.queryScripts(ctx, `
		SELECT `+scriptColumns+` FROM scripts WHERE owner_id = ? ORDER BY id;
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing scripts of user %d: %w", ownerID, err)
	}
	return list, nil
}

// ListRecentScripts implements scripts.Storage.
func (s *SQLiteStore) ListRecentScripts(ctx context.Context, limit int) ([]*scripts.ScriptWithOwner, error) {
	list := []*scripts.ScriptWithOwner{}
	if limit <= 0 {
		return list, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+joinedScriptColumns+`, u.username, u.display_name
		FROM scripts AS s JOIN users AS u ON u.id = s.owner_id
		ORDER BY s.created_at DESC, s.id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent scripts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sw scripts.ScriptWithOwner
		sc, err := scanScript(rows, &sw.Owner.Username, &sw.Owner.DisplayName)
		if err != nil {
			return nil, err
		}
		sw.Script = sc
		list = append(list, &sw)
	}
	return list, rows.Err()
}

// IncrementDownloadCount implements scripts.Storage.
func (s *SQLiteStore) IncrementDownloadCount(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scripts SET download_count = download_count + 1, updated_at = ?
		WHERE token = ?;
	`, s.now().UnixNano(), token); err != nil {
		return fmt.Errorf("incrementing download count of %q: %w", token, err)
	}
	return nil
}

// CountScripts implements scripts.Storage.
func (s *SQLiteStore) CountScripts(ctx context.Context) (scripts.ScriptCounts, error) {
	var c scripts.ScriptCounts
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT owner_id) FROM scripts;
	`).Scan(&c.Total, &c.DistinctOwners); err != nil {
		return c, fmt.Errorf("counting scripts: %w", err)
	}
	return c, nil
}

// CreateActivity implements scripts.Storage.
func (s *SQLiteStore) CreateActivity(ctx context.Context, na scripts.NewActivity) (*scripts.Activity, error) {
	a, err := scanActivity(s.db.QueryRowContext(ctx, `
		INSERT INTO activity (actor_id, script_id, action, details, addr, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+activityColumns+`;
	`, na.ActorID, na.ScriptID, na.Action, na.Details, na.Addr, na.ClientID, s.now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("recording %s: %w", na.Action, err)
	}
	return a, nil
}

func (s *SQLiteStore) queryActivity(ctx context.Context, query string, args ...any) ([]*scripts.Activity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	list := []*scripts.Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// ListActivity implements scripts.Storage.
func (s *SQLiteStore) ListActivity(ctx context.Context, limit int) ([]*scripts.Activity, error) {
	if limit <= 0 {
		return []*scripts.Activity{}, nil
	}
	return s.queryActivity(ctx, `
		SELECT `+activityColumns+` FROM activity
		ORDER BY created_at DESC, id ASC LIMIT ?;
	`, limit)
}

// ListActivityByActor implements scripts.Storage.
func (s *SQLiteStore) ListActivityByActor(ctx context.Context, actorID int64, limit int) ([]*scripts.Activity, error) {
	if limit <= 0 {
		return []*scripts.Activity{}, nil
	}
	return s.queryActivity(ctx, `
		SELECT `+activityColumns+` FROM activity WHERE actor_id = ?
		ORDER BY created_at DESC, id ASC LIMIT ?;
	`, actorID, limit)
}

// CountActivity implements scripts.Storage.
func (s *SQLiteStore) CountActivity(ctx context.Context, action string, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activity WHERE action = ? AND created_at >= ?;
	`, action, since.UnixNano()).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", action, err)
	}
	return n, nil
}

// GetBotStatus implements scripts.Storage.
func (s *SQLiteStore) GetBotStatus(ctx context.Context) (scripts.BotStatus, error) {
	var (
		bs           scripts.BotStatus
		lastActivity int64
		token        string
	)
	if err := s.db.QueryRowContext(ctx, `
		SELECT connected, username, last_activity, token FROM bot_status WHERE id = 1;
	`).Scan(&bs.Connected, &bs.Username, &lastActivity, &token); err != nil {
		return bs, fmt.Errorf("reading bot status: %w", err)
	}
	bs.LastActivity = unixNano(lastActivity)
	bs.Token = secret.New(token)
	return bs, nil
}

// UpdateBotStatus implements scripts.Storage.
func (s *SQLiteStore) UpdateBotStatus(ctx context.Context, upd scripts.BotStatusUpdate) error {
	var lastActivity, token any
	if upd.LastActivity != nil {
		lastActivity = upd.LastActivity.UnixNano()
	}
	if upd.Token != nil {
		token = upd.Token.Reveal()
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE bot_status SET
			connected = COALESCE(?, connected),
			username = COALESCE(?, username),
			last_activity = COALESCE(?, last_activity),
			token = COALESCE(?, token)
		WHERE id = 1;
	`, upd.Connected, upd.Username, lastActivity, token); err != nil {
		return fmt.Errorf("updating bot status: %w", err)
	}
	return nil
}

// Close implements scripts.Storage.
// SchemaVersion returns the version of the applied schema. A migration that
// failed halfway is reported as an error.
func (s *SQLiteStore) SchemaVersion() (uint, error) {
	version, dirty, err := migrations.Version(s.db)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
