package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresTransitionChecker is the cold-path settlement dedup: when a
// (scope, from, to) transition has aged out of the in-memory LRU, the
// persisted settlement log is the source of truth.
type PostgresTransitionChecker struct {
	db     *sql.DB
	market string
}

func NewPostgresTransitionChecker(db *sql.DB, market string) *PostgresTransitionChecker {
	return &PostgresTransitionChecker{db: db, market: market}
}

// TransitionSeen reports whether a global settlement transition was
// already persisted. Account transitions are never persisted as rows, so
// they only dedup through the LRU tier.
func (c *PostgresTransitionChecker) TransitionSeen(scope string, fromVersion, toVersion uint64) (bool, error) {
	if scope != "global" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM settle.settlements
		WHERE market = $1 AND from_version = $2 AND to_version = $3
		LIMIT 1
	`, c.market, int64(fromVersion), int64(toVersion)).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
