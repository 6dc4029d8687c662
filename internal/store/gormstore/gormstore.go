package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectJob         = "job"
	errorCodeClaim          = "claim"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeSumDeltas      = "sum_deltas"
	errorCodeSumOpenHolds   = "sum_open_reservations"
	errorCodeUpdate         = "update"
	columnIdempotencyKey    = "idempotency_key"
	columnReferenceJobID    = "reference_job_id"
	sqlOpenReservationTotal = `SELECT COALESCE(SUM(-r.delta), 0) AS total
FROM ledger_entries r
WHERE r.account_id = ? AND r.kind = ?
AND NOT EXISTS (
	SELECT 1 FROM ledger_entries c
	WHERE c.reference_job_id = r.reference_job_id AND c.kind IN (?, ?)
)`
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, accountID ledger.AccountID, createdUnixUTC int64) (ledger.Account, bool, error) {
	if createdUnixUTC <= 0 {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, fmt.Errorf("%w: creation time must be a positive unix timestamp", ledger.ErrInvalidEntry))
	}
	model := Account{AccountID: accountID.Int64(), CreatedAt: unixToTime(createdUnixUTC)}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	created := result.RowsAffected == 1
	if !created {
		if err := store.db.WithContext(ctx).Where("account_id = ?", accountID.Int64()).Take(&model).Error; err != nil {
			return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
		}
	}
	return ledger.Account{AccountID: accountID, CreatedUnixUTC: model.CreatedAt.Unix()}, created, nil
}

// LockAccount takes a row lock on postgres; sqlite serializes writers on its own and ignores the clause.
func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (bool, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.Int64()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return true, nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	entry := LedgerEntry{
		AccountID: entryInput.AccountID().Int64(),
		Kind:      entryInput.Kind().String(),
		Delta:     entryInput.Delta().Int64(),
		Note:      entryInput.Note(),
		CreatedAt: unixToTime(entryInput.CreatedUnixUTC()),
	}
	if jobID, hasJob := entryInput.JobID(); hasJob {
		value := jobID.String()
		entry.ReferenceJobID = &value
	}
	if idempotencyKey, hasKey := entryInput.IdempotencyKey(); hasKey {
		value := idempotencyKey.String()
		entry.IdempotencyKey = &value
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if violated, isUnique := uniqueViolation(err); isUnique {
		switch violated {
		case columnIdempotencyKey:
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		default:
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateJobEntry)
		}
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	mapped, err := mapLedgerEntry(entry)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) SumDeltas(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS total").
		Where("account_id = ?", accountID.Int64()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumDeltas, err)
	}
	return ledger.Credits(sum.Total), nil
}

func (store *Store) SumOpenReservations(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Raw(sqlOpenReservationTotal, accountID.Int64(), ledger.EntryReservation.String(), ledger.EntryCommit.String(), ledger.EntryRelease.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumOpenHolds, err)
	}
	return ledger.Credits(sum.Total), nil
}

func (store *Store) ListJobEntries(ctx context.Context, jobID ledger.JobID) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("reference_job_id = ?", jobID.String()).
		Order("entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeEntryID int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.Int64())
	if beforeEntryID > 0 {
		query = query.Where("entry_id < ?", beforeEntryID)
	}
	var rows []LedgerEntry
	if err := query.Order("entry_id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ReplayEntries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.Int64()).
		Order("entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      accountID,
		Kind:           kind,
		Delta:          ledger.Credits(row.Delta),
		JobID:          stringOrEmpty(row.ReferenceJobID),
		IdempotencyKey: stringOrEmpty(row.IdempotencyKey),
		Note:           row.Note,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

// uniqueViolation reports whether err is a unique constraint failure and which column set it hit.
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolationCode {
			return "", false
		}
		switch pgErr.ConstraintName {
		case indexEntryIdempotencyKey:
			return columnIdempotencyKey, true
		case indexEntryJobKind:
			return columnReferenceJobID, true
		default:
			return pgErr.ConstraintName, true
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		message := sqliteErr.Error()
		if sqliteErr.Code()&0xFF != sqliteConstraintCode || !strings.Contains(message, "UNIQUE") {
			return "", false
		}
		switch {
		case strings.Contains(message, columnIdempotencyKey):
			return columnIdempotencyKey, true
		case strings.Contains(message, columnReferenceJobID):
			return columnReferenceJobID, true
		default:
			return message, true
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", true
	}
	return "", false
}
