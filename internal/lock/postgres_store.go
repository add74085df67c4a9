package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes. A unique violation means another owner won the
// insert; serialization failures and deadlocks are retried.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

const (
	txRetries    = 3
	txRetryDelay = 10 * time.Millisecond
)

// PgxDB is the subset of *pgxpool.Pool used by PostgresStore.
type PgxDB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type postgresQueries struct {
	createTable   string
	deleteExpired string
	update        string
	insert        string
	count         string
	delete        string
	deleteAll     string
	purgeExpired  string
}

func newPostgresQueries(prefix string) postgresQueries {
	table := pgx.Identifier{strings.ToLower(prefix + "lock")}.Sanitize()
	pk := pgx.Identifier{strings.ToLower(prefix + "lock_pk")}.Sanitize()

	return postgresQueries{
		createTable: fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			region       VARCHAR(100) NOT NULL,
			lock_key     VARCHAR(255) NOT NULL,
			client_id    VARCHAR(100) NOT NULL,
			created_date TIMESTAMPTZ  NOT NULL,
			CONSTRAINT %s PRIMARY KEY (region, lock_key)
		)`, table, pk),
		deleteExpired: fmt.Sprintf(`DELETE FROM %s WHERE region = $1 AND lock_key = $2 AND created_date < $3`, table),
		update:        fmt.Sprintf(`UPDATE %s SET created_date = $1 WHERE region = $2 AND lock_key = $3 AND client_id = $4`, table),
		insert: fmt.Sprintf(`
		INSERT INTO %s (region, lock_key, client_id, created_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (region, lock_key) DO NOTHING`, table),
		count:        fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE region = $1 AND lock_key = $2 AND client_id = $3 AND created_date >= $4`, table),
		delete:       fmt.Sprintf(`DELETE FROM %s WHERE region = $1 AND lock_key = $2 AND client_id = $3`, table),
		deleteAll:    fmt.Sprintf(`DELETE FROM %s WHERE region = $1 AND client_id = $2`, table),
		purgeExpired: fmt.Sprintf(`DELETE FROM %s WHERE region = $1 AND created_date < $2`, table),
	}
}

// PostgresStore is a PostgreSQL implementation of LockStore.
// Acquire runs in a serializable transaction so two callers can never both
// observe a free lease and both insert.
type PostgresStore struct {
	db      PgxDB
	cfg     storeConfig
	queries postgresQueries
}

var (
	_ LockStore = (*PostgresStore)(nil)
	_ Reaper    = (*PostgresStore)(nil)
)

// NewPostgresStore creates a PostgreSQL-backed lock store. db is usually a *pgxpool.Pool.
// Each transaction is bounded by the operation timeout (see WithOperationTimeout).
func NewPostgresStore(db PgxDB, opts ...StoreOption) (*PostgresStore, error) {
	cfg, err := newStoreConfig(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		db:      db,
		cfg:     cfg,
		queries: newPostgresQueries(cfg.prefix),
	}, nil
}

// EnsureSchema creates the lock table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, s.queries.createTable); err != nil {
		return unavailable("ensure schema", err)
	}
	return nil
}

// Acquire implements LockStore.Acquire.
func (s *PostgresStore) Acquire(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	var acquired bool
	err := s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		acquired = false
		now := s.cfg.clock.Now()

		if _, err := tx.Exec(ctx, s.queries.deleteExpired, s.cfg.region, key, now.Add(-s.cfg.ttl)); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, s.queries.update, now, s.cfg.region, key, s.cfg.ownerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			acquired = true
			return nil
		}

		tag, err = tx.Exec(ctx, s.queries.insert, s.cfg.region, key, s.cfg.ownerID, now)
		if err != nil {
			return err
		}
		acquired = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, unavailable("acquire", err)
	}
	return acquired, nil
}

// IsAcquired implements LockStore.IsAcquired.
func (s *PostgresStore) IsAcquired(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	var count int64
	err := s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		cutoff := s.cfg.expiredBefore()
		if _, err := tx.Exec(ctx, s.queries.deleteExpired, s.cfg.region, key, cutoff); err != nil {
			return err
		}
		return tx.QueryRow(ctx, s.queries.count, s.cfg.region, key, s.cfg.ownerID, cutoff).Scan(&count)
	})
	if err != nil {
		return false, unavailable("is acquired", err)
	}
	return count == 1, nil
}

// Delete implements LockStore.Delete.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	if _, err := s.db.Exec(ctx, s.queries.delete, s.cfg.region, key, s.cfg.ownerID); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Close implements LockStore.Close. It does not close the underlying pool.
func (s *PostgresStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	if _, err := s.db.Exec(ctx, s.queries.deleteAll, s.cfg.region, s.cfg.ownerID); err != nil {
		return unavailable("close", err)
	}
	return nil
}

// PurgeExpired implements Reaper.PurgeExpired.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, s.queries.purgeExpired, s.cfg.region, s.cfg.expiredBefore())
	if err != nil {
		return 0, unavailable("purge expired", err)
	}
	return tag.RowsAffected(), nil
}

// OwnerID implements LockStore.OwnerID.
func (s *PostgresStore) OwnerID() string { return s.cfg.ownerID }

// Region implements LockStore.Region.
func (s *PostgresStore) Region() string { return s.cfg.region }

// TTL implements LockStore.TTL.
func (s *PostgresStore) TTL() time.Duration { return s.cfg.ttl }

// inTx runs fn in a transaction, retrying it a few times when it loses a
// serialization conflict. Other errors are returned at once.
func (s *PostgresStore) inTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	op := func() error {
		err := pgx.BeginTxFunc(ctx, s.db, opts, fn)
		if err != nil && !isSerializationConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(txRetryDelay), txRetries), ctx)
	return backoff.Retry(op, policy)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	return pgErr.Code
}

// isUniqueViolation reports whether err means another owner inserted the lease first.
func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

// isSerializationConflict reports whether the transaction lost a race and may be retried.
func isSerializationConflict(err error) bool {
	switch pgErrorCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}
