// Package postgres persists bundle outcomes and public deliveries.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/flashbots/bundle-submitter/relay"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrBundleNotFound = relay.ErrBundleNotFound

const (
	statusSubmitted  = "pending"
	statusIncluded   = "included"
	statusMissed     = "missed"
	statusError      = "error"
	statusNonceError = "nonce_error"
)

type DBBundle struct {
	BundleID    []byte         `db:"bundle_id"`
	TargetBlock int64          `db:"target_block"`
	Status      string         `db:"status"`
	GasUsed     sql.NullInt64  `db:"gas_used"`
	Reason      sql.NullString `db:"reason"`
	SubmittedAt sql.NullTime   `db:"submitted_at"`
	ResolvedAt  sql.NullTime   `db:"resolved_at"`
}

type DBPublicTx struct {
	AttemptID string    `db:"attempt_id"`
	TxHash    []byte    `db:"tx_hash"`
	SentAt    time.Time `db:"sent_at"`
}

var insertBundleQuery = `
INSERT INTO bundle (bundle_id, target_block, status, submitted_at)
VALUES (:bundle_id, :target_block, :status, :submitted_at)
ON CONFLICT (bundle_id) DO NOTHING`

var resolveBundleQuery = `
INSERT INTO bundle (bundle_id, target_block, status, gas_used, reason, resolved_at)
VALUES (:bundle_id, :target_block, :status, :gas_used, :reason, :resolved_at)
ON CONFLICT (bundle_id) DO
UPDATE SET status = EXCLUDED.status, gas_used = EXCLUDED.gas_used, reason = EXCLUDED.reason, resolved_at = EXCLUDED.resolved_at`

var getBundleQuery = `
SELECT bundle_id, target_block, status, gas_used, reason, submitted_at, resolved_at
FROM bundle
WHERE bundle_id = $1`

var insertPublicTxQuery = `
INSERT INTO public_tx (attempt_id, tx_hash, sent_at)
VALUES (:attempt_id, :tx_hash, :sent_at)
ON CONFLICT (attempt_id) DO NOTHING`

// DBBackend is an event sink that records the lifecycle of bundles and public sends.
type DBBackend struct {
	db *sqlx.DB

	insertBundle   *sqlx.NamedStmt
	resolveBundle  *sqlx.NamedStmt
	getBundle      *sqlx.Stmt
	insertPublicTx *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)
	return newDBBackend(db)
}

func newDBBackend(db *sqlx.DB) (*DBBackend, error) {
	insertBundle, err := db.PrepareNamed(insertBundleQuery)
	if err != nil {
		return nil, err
	}
	resolveBundle, err := db.PrepareNamed(resolveBundleQuery)
	if err != nil {
		return nil, err
	}
	getBundle, err := db.Preparex(getBundleQuery)
	if err != nil {
		return nil, err
	}
	insertPublicTx, err := db.PrepareNamed(insertPublicTxQuery)
	if err != nil {
		return nil, err
	}
	return &DBBackend{
		db:             db,
		insertBundle:   insertBundle,
		resolveBundle:  resolveBundle,
		getBundle:      getBundle,
		insertPublicTx: insertPublicTx,
	}, nil
}

// Handle stores bundle and public delivery events, other events are ignored.
func (b *DBBackend) Handle(ctx context.Context, ev events.Event) error {
	now := time.Now().UTC()
	switch e := ev.(type) {
	case events.BundleSubmitted:
		_, err := b.insertBundle.ExecContext(ctx, DBBundle{
			BundleID:    e.BundleID.Bytes(),
			TargetBlock: int64(e.TargetBlock),
			Status:      statusSubmitted,
			SubmittedAt: sql.NullTime{Time: now, Valid: true},
		})
		return err
	case events.BundleIncluded:
		return b.resolve(ctx, DBBundle{
			BundleID:    e.BundleID.Bytes(),
			TargetBlock: int64(e.TargetBlock),
			Status:      statusIncluded,
			GasUsed:     sql.NullInt64{Int64: int64(e.GasUsed), Valid: true},
			ResolvedAt:  sql.NullTime{Time: now, Valid: true},
		})
	case events.BundleMissed:
		return b.resolve(ctx, DBBundle{
			BundleID:    e.BundleID.Bytes(),
			TargetBlock: int64(e.TargetBlock),
			Status:      statusMissed,
			ResolvedAt:  sql.NullTime{Time: now, Valid: true},
		})
	case events.BundleError:
		status := statusError
		if e.Status == statusNonceError {
			status = statusNonceError
		}
		// a bundle that failed to send was never inserted as pending
		return b.resolve(ctx, DBBundle{
			BundleID:    e.BundleID.Bytes(),
			TargetBlock: int64(e.TargetBlock),
			Status:      status,
			Reason:      sql.NullString{String: e.Reason, Valid: e.Reason != ""},
			ResolvedAt:  sql.NullTime{Time: now, Valid: true},
		})
	case events.TransactionSent:
		_, err := b.insertPublicTx.ExecContext(ctx, DBPublicTx{
			AttemptID: e.AttemptID,
			TxHash:    e.TxHash.Bytes(),
			SentAt:    now,
		})
		return err
	default:
		return nil
	}
}

func (b *DBBackend) resolve(ctx context.Context, bundle DBBundle) error {
	_, err := b.resolveBundle.ExecContext(ctx, bundle)
	return err
}

func (b *DBBackend) GetBundle(ctx context.Context, id common.Hash) (*DBBundle, error) {
	var bundle DBBundle
	err := b.getBundle.GetContext(ctx, &bundle, id.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	} else if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Bundle returns a stored bundle in the form the relay submitter keeps in its history.
func (b *DBBackend) Bundle(ctx context.Context, id common.Hash) (*relay.Bundle, error) {
	row, err := b.GetBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	return &relay.Bundle{
		ID:          common.BytesToHash(row.BundleID),
		TargetBlock: uint64(row.TargetBlock),
		Status:      relay.Status(row.Status),
		GasUsed:     uint64(row.GasUsed.Int64),
		Reason:      row.Reason.String,
		SubmittedAt: row.SubmittedAt.Time,
		ResolvedAt:  row.ResolvedAt.Time,
	}, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
