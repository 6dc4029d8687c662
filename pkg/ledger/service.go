package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store             Store
	nowFn             func() int64
	loggers           []OperationLogger
	locks             *accountLocker
	distributedLocker DistributedLocker
	trialCredits      Credits
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, locks: newAccountLocker()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.trialCredits < 0 {
		return nil, fmt.Errorf("%w: trial credits must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// EnsureAccount creates the account on first sight and grants the trial deposit.
// The boolean reports whether the account was created by this call.
func (service *Service) EnsureAccount(ctx context.Context, accountID AccountID) (Account, bool, error) {
	var (
		account Account
		created bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		account, created, err = transactionStore.CreateAccount(ctx, accountID, service.nowFn())
		if err != nil || !created || service.trialCredits == 0 {
			return err
		}
		idempotencyKey, err := NewIdempotencyKey(trialIdempotencyPrefix + accountID.String())
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(accountID, EntryDeposit, service.trialCredits, JobID{}, idempotencyKey, trialNote, service.nowFn())
		if err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, entryInput)
		return err
	})
	if created || operationError != nil {
		amount := Credits(0)
		if created {
			amount = service.trialCredits
		}
		service.logOperation(ctx, OperationLog{
			Operation: operationEnsureAccount,
			AccountID: accountID,
			Amount:    amount,
			Error:     operationError,
		})
	}
	if operationError != nil {
		return Account{}, false, operationError
	}
	return account, created, nil
}

// Deposit appends a positive deposit entry.
func (service *Service) Deposit(ctx context.Context, accountID AccountID, amount PositiveCredits, idempotencyKey IdempotencyKey, note string) (Entry, error) {
	var entry Entry
	operationError := service.withAccount(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		entryInput, err := NewEntryInput(accountID, EntryDeposit, amount.ToCredits(), JobID{}, idempotencyKey, note, service.nowFn())
		if err != nil {
			return err
		}
		entry, err = transactionStore.InsertEntry(ctx, entryInput)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeposit,
		AccountID:      accountID,
		Amount:         amount.ToCredits(),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return entry, operationError
}

// Adjust appends an operator correction. A negative adjustment may not overdraw the account.
func (service *Service) Adjust(ctx context.Context, accountID AccountID, delta Credits, idempotencyKey IdempotencyKey, note string) (Entry, error) {
	var entry Entry
	operationError := service.withAccount(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		if delta == 0 {
			return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
		}
		if delta < 0 {
			balance, err := transactionStore.SumDeltas(ctx, accountID)
			if err != nil {
				return err
			}
			if balance+delta < 0 {
				return ErrInsufficientFunds
			}
		}
		entryInput, err := NewEntryInput(accountID, EntryAdjustment, delta, JobID{}, idempotencyKey, note, service.nowFn())
		if err != nil {
			return err
		}
		entry, err = transactionStore.InsertEntry(ctx, entryInput)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdjust,
		AccountID:      accountID,
		Amount:         delta,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return entry, operationError
}

// Reserve appends a negative reservation entry for jobID if the balance covers amount.
func (service *Service) Reserve(ctx context.Context, accountID AccountID, amount PositiveCredits, jobID JobID) error {
	operationError := service.withAccount(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		if amount <= 0 {
			return ErrInvalidAmount
		}
		if jobID.IsZero() {
			return ErrInvalidJobID
		}
		existing, err := transactionStore.ListJobEntries(ctx, jobID)
		if err != nil {
			return err
		}
		if summarizeJobEntries(existing).reserved {
			return ErrDuplicateReservation
		}
		balance, err := transactionStore.SumDeltas(ctx, accountID)
		if err != nil {
			return err
		}
		if balance < amount.ToCredits() {
			return ErrInsufficientFunds
		}
		entryInput, err := NewEntryInput(accountID, EntryReservation, -amount.ToCredits(), jobID, IdempotencyKey{}, "", service.nowFn())
		if err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, entryInput)
		if errors.Is(err, ErrDuplicateJobEntry) {
			return ErrDuplicateReservation
		}
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		AccountID: accountID,
		JobID:     jobID,
		Amount:    amount.ToCredits(),
		Error:     operationError,
	})
	return operationError
}

// Commit closes the reservation of jobID, keeping the reserved credits spent.
func (service *Service) Commit(ctx context.Context, jobID JobID) error {
	accountID, reserved, operationError := service.closeReservation(ctx, jobID, EntryCommit)
	service.logOperation(ctx, OperationLog{
		Operation: operationCommit,
		AccountID: accountID,
		JobID:     jobID,
		Amount:    reserved,
		Error:     operationError,
	})
	return operationError
}

// Release closes the reservation of jobID and returns the reserved credits.
func (service *Service) Release(ctx context.Context, jobID JobID) error {
	accountID, reserved, operationError := service.closeReservation(ctx, jobID, EntryRelease)
	service.logOperation(ctx, OperationLog{
		Operation: operationRelease,
		AccountID: accountID,
		JobID:     jobID,
		Amount:    reserved,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) closeReservation(ctx context.Context, jobID JobID, closingKind EntryKind) (AccountID, Credits, error) {
	if jobID.IsZero() {
		return 0, 0, ErrInvalidJobID
	}
	// The account is only known from the reservation itself; it is read again under the lock.
	initial, err := service.store.ListJobEntries(ctx, jobID)
	if err != nil {
		return 0, 0, err
	}
	state := summarizeJobEntries(initial)
	if !state.reserved {
		return 0, 0, ErrReservationNotFound
	}
	accountID := state.accountID
	var reserved Credits
	operationError := service.withAccount(ctx, accountID, func(ctx context.Context, transactionStore Store) error {
		entries, err := transactionStore.ListJobEntries(ctx, jobID)
		if err != nil {
			return err
		}
		current := summarizeJobEntries(entries)
		if !current.reserved {
			return ErrReservationNotFound
		}
		if current.closed {
			return ErrReservationClosed
		}
		reserved = current.amount
		delta := Credits(0)
		if closingKind == EntryRelease {
			delta = current.amount
		}
		entryInput, err := NewEntryInput(accountID, closingKind, delta, jobID, IdempotencyKey{}, "", service.nowFn())
		if err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, entryInput)
		if errors.Is(err, ErrDuplicateJobEntry) {
			return ErrReservationClosed
		}
		return err
	})
	return accountID, reserved, operationError
}

// withAccount runs fn with the account serialized in-process, across processes when configured,
// and inside a store transaction holding the account row lock.
func (service *Service) withAccount(ctx context.Context, accountID AccountID, fn func(ctx context.Context, transactionStore Store) error) error {
	if accountID <= 0 {
		return ErrInvalidAccountID
	}
	unlock := service.locks.lock(accountID)
	defer unlock()
	if service.distributedLocker != nil {
		release, err := service.distributedLocker.Lock(ctx, accountLockKey(accountID))
		if err != nil {
			return WrapError("service", "lock", "acquire", err)
		}
		defer func() { _ = release(context.WithoutCancel(ctx)) }()
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		exists, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownAccount
		}
		return fn(ctx, transactionStore)
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}

type jobEntryState struct {
	accountID    AccountID
	reserved     bool
	closed       bool
	amount       Credits
	reservations int
	commits      int
	releases     int
	released     Credits
}

func summarizeJobEntries(entries []Entry) jobEntryState {
	var state jobEntryState
	for _, entry := range entries {
		switch entry.Kind {
		case EntryReservation:
			state.reservations++
			state.reserved = true
			state.accountID = entry.AccountID
			state.amount = -entry.Delta
		case EntryCommit:
			state.commits++
			state.closed = true
		case EntryRelease:
			state.releases++
			state.released += entry.Delta
			state.closed = true
		}
	}
	return state
}
