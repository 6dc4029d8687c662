package ledger

import (
	"context"
	"fmt"
	"sort"
)

const maxListEntriesLimit = 500

// Balance returns the available balance and the amount currently held by open reservations.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	if accountID <= 0 {
		return Balance{}, ErrInvalidAccountID
	}
	available, err := service.store.SumDeltas(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	reserved, err := service.store.SumOpenReservations(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Available: available, Reserved: reserved}, nil
}

// Reservation reports whether jobID holds an open reservation, and how it was closed otherwise.
func (service *Service) Reservation(ctx context.Context, jobID JobID) (ReservationState, error) {
	if jobID.IsZero() {
		return "", ErrInvalidJobID
	}
	entries, err := service.store.ListJobEntries(ctx, jobID)
	if err != nil {
		return "", err
	}
	state := summarizeJobEntries(entries)
	switch {
	case !state.reserved:
		return ReservationNone, nil
	case state.commits > 0:
		return ReservationCommitted, nil
	case state.releases > 0:
		return ReservationReleased, nil
	default:
		return ReservationOpen, nil
	}
}

// ListEntries lists ledger entries for an account, newest first, with ids below beforeEntryID when it is set.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeEntryID int64, limit int) ([]Entry, error) {
	if accountID <= 0 {
		return nil, ErrInvalidAccountID
	}
	if limit <= 0 || limit > maxListEntriesLimit {
		return nil, fmt.Errorf("%w: must be within 1..%d", ErrInvalidListLimit, maxListEntriesLimit)
	}
	return service.store.ListEntries(ctx, accountID, beforeEntryID, limit)
}

// Replay recomputes the account from its entries and checks the reservation lifecycle.
// It returns ErrLedgerInvariantViolation alongside the report when anything does not add up.
func (service *Service) Replay(ctx context.Context, accountID AccountID) (ReplayReport, error) {
	if accountID <= 0 {
		return ReplayReport{}, ErrInvalidAccountID
	}
	entries, err := service.store.ReplayEntries(ctx, accountID)
	if err != nil {
		return ReplayReport{}, err
	}
	stored, err := service.store.SumDeltas(ctx, accountID)
	if err != nil {
		return ReplayReport{}, err
	}
	report := ReplayReport{AccountID: accountID, Entries: len(entries), StoredBalance: stored}
	byJob := make(map[string][]Entry)
	for _, entry := range entries {
		report.Balance += entry.Delta
		if report.Balance < 0 {
			report.Violations = append(report.Violations, fmt.Sprintf("balance negative after entry %d", entry.EntryID))
		}
		if entry.JobID != "" {
			byJob[entry.JobID] = append(byJob[entry.JobID], entry)
		}
	}
	if report.Balance != stored {
		report.Violations = append(report.Violations, fmt.Sprintf("replayed balance %d differs from stored sum %d", report.Balance, stored))
	}
	jobIDs := make([]string, 0, len(byJob))
	for jobID := range byJob {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)
	for _, jobID := range jobIDs {
		state := summarizeJobEntries(byJob[jobID])
		switch {
		case state.reservations != 1:
			report.Violations = append(report.Violations, fmt.Sprintf("job %s has %d reservations", jobID, state.reservations))
		case state.commits+state.releases > 1:
			report.Violations = append(report.Violations, fmt.Sprintf("job %s closed %d times", jobID, state.commits+state.releases))
		case state.releases == 1 && state.released != state.amount:
			report.Violations = append(report.Violations, fmt.Sprintf("job %s released %d of %d", jobID, state.released, state.amount))
		case !state.closed:
			report.OpenReservations++
		}
	}
	if len(report.Violations) > 0 {
		return report, fmt.Errorf("%w: %d problems on account %s", ErrLedgerInvariantViolation, len(report.Violations), accountID)
	}
	return report, nil
}
