package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const maxIdentifierLength = 128

// AccountID is the platform-issued numeric identifier of an account owner.
type AccountID int64

// Credits is a signed credit quantity.
type Credits int64

// PositiveCredits is a credit amount strictly greater than zero.
type PositiveCredits int64

// JobID identifies the job a reservation belongs to.
type JobID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for deposits and adjustments.
type IdempotencyKey struct {
	value string
}

// NewAccountID validates a platform account identifier.
func NewAccountID(raw int64) (AccountID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAccountID)
	}
	return AccountID(raw), nil
}

// Int64 returns the raw identifier.
func (id AccountID) Int64() int64 {
	return int64(id)
}

func (id AccountID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits converts the amount into a signed credit value.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// NewJobID validates and normalizes a job identifier.
func NewJobID(raw string) (JobID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return JobID{}, fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	if len(trimmed) > maxIdentifierLength {
		return JobID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidJobID, maxIdentifierLength)
	}
	return JobID{value: trimmed}, nil
}

func (id JobID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id JobID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdentifierLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key was never set.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryDeposit     EntryKind = "deposit"
	EntryReservation EntryKind = "reservation"
	EntryCommit      EntryKind = "commit"
	EntryRelease     EntryKind = "release"
	EntryAdjustment  EntryKind = "adjustment"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	switch kind {
	case EntryDeposit, EntryReservation, EntryCommit, EntryRelease, EntryAdjustment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

func (kind EntryKind) String() string {
	return string(kind)
}

// Account is a credit holder. Its balance is never stored; it is the sum of its entries.
type Account struct {
	AccountID      AccountID
	CreatedUnixUTC int64
}

// EntryInput is a validated ledger entry that has not been persisted yet.
type EntryInput struct {
	accountID      AccountID
	kind           EntryKind
	delta          Credits
	jobID          JobID
	idempotencyKey IdempotencyKey
	note           string
	createdUnixUTC int64
}

// NewEntryInput validates the sign of delta against the entry kind.
func NewEntryInput(accountID AccountID, kind EntryKind, delta Credits, jobID JobID, idempotencyKey IdempotencyKey, note string, createdUnixUTC int64) (EntryInput, error) {
	if accountID <= 0 {
		return EntryInput{}, ErrInvalidAccountID
	}
	if createdUnixUTC <= 0 {
		return EntryInput{}, fmt.Errorf("%w: creation time must be a positive unix timestamp", ErrInvalidEntry)
	}
	switch kind {
	case EntryDeposit, EntryRelease:
		if delta <= 0 {
			return EntryInput{}, fmt.Errorf("%w: %s requires a positive delta", ErrInvalidEntry, kind)
		}
	case EntryReservation:
		if delta >= 0 {
			return EntryInput{}, fmt.Errorf("%w: reservation requires a negative delta", ErrInvalidEntry)
		}
	case EntryCommit:
		if delta != 0 {
			return EntryInput{}, fmt.Errorf("%w: commit is a zero-delta marker", ErrInvalidEntry)
		}
	case EntryAdjustment:
		if delta == 0 {
			return EntryInput{}, fmt.Errorf("%w: adjustment requires a non-zero delta", ErrInvalidEntry)
		}
	default:
		return EntryInput{}, fmt.Errorf("%w: %q", ErrInvalidEntryKind, kind)
	}
	switch kind {
	case EntryReservation, EntryCommit, EntryRelease:
		if jobID.IsZero() {
			return EntryInput{}, fmt.Errorf("%w: %s requires a job id", ErrInvalidEntry, kind)
		}
	}
	return EntryInput{
		accountID:      accountID,
		kind:           kind,
		delta:          delta,
		jobID:          jobID,
		idempotencyKey: idempotencyKey,
		note:           strings.TrimSpace(note),
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func (entry EntryInput) AccountID() AccountID { return entry.accountID }

func (entry EntryInput) Kind() EntryKind { return entry.kind }

func (entry EntryInput) Delta() Credits { return entry.delta }

// JobID returns the referenced job, if any.
func (entry EntryInput) JobID() (JobID, bool) {
	return entry.jobID, !entry.jobID.IsZero()
}

// IdempotencyKey returns the deduplication key, if any.
func (entry EntryInput) IdempotencyKey() (IdempotencyKey, bool) {
	return entry.idempotencyKey, !entry.idempotencyKey.IsZero()
}

func (entry EntryInput) Note() string { return entry.note }

func (entry EntryInput) CreatedUnixUTC() int64 { return entry.createdUnixUTC }

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        int64
	AccountID      AccountID
	Kind           EntryKind
	Delta          Credits
	JobID          string
	IdempotencyKey string
	Note           string
	CreatedUnixUTC int64
}

// Balance view for an account. Reserved is informational: it is already subtracted from Available.
type Balance struct {
	Available Credits
	Reserved  Credits
}

// ReservationState is where the reservation of a job stands.
type ReservationState string

const (
	ReservationNone      ReservationState = "none"
	ReservationOpen      ReservationState = "open"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// ReplayReport is the result of recomputing an account from its entries.
type ReplayReport struct {
	AccountID        AccountID
	Entries          int
	Balance          Credits
	StoredBalance    Credits
	OpenReservations int
	Violations       []string
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, accountID AccountID, createdUnixUTC int64) (Account, bool, error)
	// LockAccount takes a row lock on the account for the current transaction and reports whether it exists.
	LockAccount(ctx context.Context, accountID AccountID) (bool, error)
	InsertEntry(ctx context.Context, entry EntryInput) (Entry, error)
	SumDeltas(ctx context.Context, accountID AccountID) (Credits, error)
	SumOpenReservations(ctx context.Context, accountID AccountID) (Credits, error)
	ListJobEntries(ctx context.Context, jobID JobID) ([]Entry, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeEntryID int64, limit int) ([]Entry, error)
	ReplayEntries(ctx context.Context, accountID AccountID) ([]Entry, error)
}
