package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

const (
	indexEntryJobKind        = "uniq_ledger_entries_job_kind"
	indexEntryIdempotencyKey = "uniq_ledger_entries_idempotency_key"
)

// Account represents the accounts table.
type Account struct {
	AccountID int64     `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are never updated or deleted.
type LedgerEntry struct {
	EntryID        int64     `gorm:"primaryKey;autoIncrement"`
	AccountID      int64     `gorm:"not null;index:idx_ledger_entries_account"`
	Kind           string    `gorm:"size:16;not null;index:uniq_ledger_entries_job_kind,unique,priority:2"`
	Delta          int64     `gorm:"not null"`
	ReferenceJobID *string   `gorm:"size:128;index:uniq_ledger_entries_job_kind,unique,priority:1"`
	IdempotencyKey *string   `gorm:"size:128;index:uniq_ledger_entries_idempotency_key,unique"`
	Note           string    `gorm:"not null;default:''"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// GenerationJob mirrors the generation_jobs table.
type GenerationJob struct {
	JobID               string         `gorm:"primaryKey;size:128"`
	AccountID           int64          `gorm:"not null;index:idx_generation_jobs_account_created,priority:1"`
	Kind                string         `gorm:"size:16;not null"`
	Prompt              string         `gorm:"not null"`
	Params              datatypes.JSON `gorm:"not null"`
	Cost                int64          `gorm:"not null"`
	Status              string         `gorm:"size:16;not null;index:idx_generation_jobs_status_updated,priority:1"`
	Handle              string         `gorm:"not null;default:''"`
	ArtifactRef         string         `gorm:"not null;default:''"`
	ArtifactContentType string         `gorm:"not null;default:''"`
	ErrorCode           string         `gorm:"size:32;not null;default:''"`
	ErrorMessage        string         `gorm:"not null;default:''"`
	FundsReturned       bool           `gorm:"not null;default:false"`
	Owner               string         `gorm:"size:64;not null;default:''"`
	LeaseExpiresAt      time.Time      `gorm:"not null"`
	CancelRequested     bool           `gorm:"not null;default:false"`
	CreatedAt           time.Time      `gorm:"not null;autoCreateTime:false;index:idx_generation_jobs_account_created,priority:2"`
	UpdatedAt           time.Time      `gorm:"not null;autoUpdateTime:false;index:idx_generation_jobs_status_updated,priority:2"`
	Deadline            time.Time      `gorm:"not null"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

// Models lists every table managed by this package, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &GenerationJob{}}
}
