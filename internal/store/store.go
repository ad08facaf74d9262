// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements scripts.Storage in memory and on top of SQLite.
package store

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"go.astrophena.name/scriptgate/internal/scripts"
)

// Kinds of storage accepted by Open.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

// Open returns the storage of the given kind. dsn is used only by SQLite and
// defaults to a private in-memory database.
func Open(ctx context.Context, kind, dsn string, now func() time.Time) (scripts.Storage, error) {
	switch cmp.Or(kind, KindMemory) {
	case KindMemory:
		return NewMemStore(now), nil
	case KindSQLite:
		return NewSQLiteStore(ctx, dsn, now)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// byRecency orders entities newest first, breaking ties by ascending identity.
func byRecency(at, bt time.Time, aid, bid int64) int {
	if c := bt.Compare(at); c != 0 {
		return c
	}
	return cmp.Compare(aid, bid)
}
