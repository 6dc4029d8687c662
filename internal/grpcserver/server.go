package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientFunds       = "insufficient_funds"
	errorUnknownAccount          = "unknown_account"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorInvalidAccountID        = "invalid_account_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidListLimit        = "invalid_list_limit"
	errorInvalidJobID            = "invalid_job_id"
	errorJobNotFound             = "job_not_found"
	errorLedgerInvariant         = "ledger_invariant_violation"

	fieldAccountID      = "account_id"
	fieldAmount         = "amount"
	fieldDelta          = "delta"
	fieldIdempotencyKey = "idempotency_key"
	fieldNote           = "note"
	fieldBeforeEntryID  = "before_entry_id"
	fieldLimit          = "limit"
	fieldJobID          = "job_id"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200
)

// Ledger is the part of the ledger service operators may drive.
type Ledger interface {
	Deposit(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, idempotencyKey ledger.IdempotencyKey, note string) (ledger.Entry, error)
	Adjust(ctx context.Context, accountID ledger.AccountID, delta ledger.Credits, idempotencyKey ledger.IdempotencyKey, note string) (ledger.Entry, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeEntryID int64, limit int) ([]ledger.Entry, error)
	Replay(ctx context.Context, accountID ledger.AccountID) (ledger.ReplayReport, error)
}

// JobLookup finds a job regardless of its owner.
type JobLookup interface {
	Lookup(ctx context.Context, jobID string) (jobs.JobView, error)
}

// AdminServiceServer exposes operator ledger and job operations over gRPC.
type AdminServiceServer struct {
	ledger Ledger
	jobs   JobLookup
}

// NewAdminServiceServer constructs the operator service.
func NewAdminServiceServer(ledgerService Ledger, jobLookup JobLookup) (*AdminServiceServer, error) {
	if ledgerService == nil {
		return nil, errors.New("grpcserver: ledger is required")
	}
	if jobLookup == nil {
		return nil, errors.New("grpcserver: job lookup is required")
	}
	return &AdminServiceServer{ledger: ledgerService, jobs: jobLookup}, nil
}

func (service *AdminServiceServer) Deposit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawAmount, err := int64Field(request, fieldAmount)
	if err != nil {
		return nil, mapToGRPCError(fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err))
	}
	amount, err := ledger.NewPositiveCredits(rawAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, err := service.ledger.Deposit(ctx, accountID, amount, idempotencyKey, stringField(request, fieldNote))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(entryFields(entry))
}

func (service *AdminServiceServer) Adjust(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	delta, err := int64Field(request, fieldDelta)
	if err != nil {
		return nil, mapToGRPCError(fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err))
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, err := service.ledger.Adjust(ctx, accountID, ledger.Credits(delta), idempotencyKey, stringField(request, fieldNote))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(entryFields(entry))
}

func (service *AdminServiceServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := service.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		fieldAccountID: accountID.Int64(),
		"available":    balance.Available.Int64(),
		"reserved":     balance.Reserved.Int64(),
	})
}

func (service *AdminServiceServer) ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawLimit, err := optionalInt64Field(request, fieldLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	limit, err := normalizeListLimit(rawLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	beforeEntryID, err := optionalInt64Field(request, fieldBeforeEntryID)
	if err != nil || beforeEntryID < 0 {
		return nil, status.Error(codes.InvalidArgument, "invalid_before_entry_id")
	}
	entries, err := service.ledger.ListEntries(ctx, accountID, beforeEntryID, int(limit))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rendered := make([]any, 0, len(entries))
	for _, entry := range entries {
		rendered = append(rendered, entryFields(entry))
	}
	response := map[string]any{"entries": rendered}
	if int64(len(entries)) == limit {
		response["next_before_entry_id"] = entries[len(entries)-1].EntryID
	}
	return newStruct(response)
}

func (service *AdminServiceServer) GetJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	jobID := stringField(request, fieldJobID)
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, errorInvalidJobID)
	}
	view, err := service.jobs.Lookup(ctx, jobID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(jobFields(view))
}

// Replay returns the report even when it finds violations; the violations are part of the response.
func (service *AdminServiceServer) Replay(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	report, err := service.ledger.Replay(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrLedgerInvariantViolation) {
		return nil, mapToGRPCError(err)
	}
	violations := make([]any, 0, len(report.Violations))
	for _, violation := range report.Violations {
		violations = append(violations, violation)
	}
	return newStruct(map[string]any{
		fieldAccountID:      report.AccountID.Int64(),
		"entries":           int64(report.Entries),
		"balance":           report.Balance.Int64(),
		"stored_balance":    report.StoredBalance.Int64(),
		"open_reservations": int64(report.OpenReservations),
		"violations":        violations,
		"consistent":        len(report.Violations) == 0,
	})
}

func entryFields(entry ledger.Entry) map[string]any {
	return map[string]any{
		"entry_id":          entry.EntryID,
		fieldAccountID:      entry.AccountID.Int64(),
		"kind":              entry.Kind.String(),
		fieldDelta:          entry.Delta.Int64(),
		fieldJobID:          entry.JobID,
		fieldIdempotencyKey: entry.IdempotencyKey,
		fieldNote:           entry.Note,
		"created_unix_utc":  entry.CreatedUnixUTC,
	}
}

func jobFields(view jobs.JobView) map[string]any {
	fields := map[string]any{
		fieldJobID:          view.JobID,
		fieldAccountID:      view.AccountID,
		"kind":              string(view.Kind),
		"status":            string(view.Status),
		"prompt":            view.Prompt,
		"cost":              view.Cost,
		"funds_returned":    view.FundsReturned,
		"created_unix_utc":  view.CreatedUnixUTC,
		"updated_unix_utc":  view.UpdatedUnixUTC,
		"deadline_unix_utc": view.DeadlineUnixUTC,
	}
	if len(view.Params) > 0 {
		fields["params"] = view.Params
	}
	if view.ArtifactRef != "" {
		fields["artifact_ref"] = view.ArtifactRef
		fields["artifact_content_type"] = view.ArtifactContentType
	}
	if view.ErrorCode != jobs.CodeNone {
		fields["error_code"] = string(view.ErrorCode)
		fields["error_message"] = view.ErrorMessage
	}
	return fields
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func accountField(request *structpb.Struct) (ledger.AccountID, error) {
	raw, err := int64Field(request, fieldAccountID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrInvalidAccountID, err)
	}
	return ledger.NewAccountID(raw)
}

func stringField(request *structpb.Struct, name string) string {
	value, present := request.GetFields()[name]
	if !present {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}

func int64Field(request *structpb.Struct, name string) (int64, error) {
	value, present := request.GetFields()[name]
	if !present {
		return 0, fmt.Errorf("%s is required", name)
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if number.NumberValue != math.Trunc(number.NumberValue) || math.Abs(number.NumberValue) > 1<<53 {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return int64(number.NumberValue), nil
}

func optionalInt64Field(request *structpb.Struct, name string) (int64, error) {
	if _, present := request.GetFields()[name]; !present {
		return 0, nil
	}
	return int64Field(request, name)
}

func normalizeListLimit(limit int64) (int64, error) {
	if limit <= 0 {
		return defaultListEntriesLimit, nil
	}
	if limit > maxListEntriesLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListEntriesLimit)
	}
	return limit, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidAccountID) {
		return status.Error(codes.InvalidArgument, errorInvalidAccountID)
	}
	if errors.Is(source, ledger.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrInvalidListLimit) {
		return status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	if errors.Is(source, ledger.ErrInsufficientFunds) {
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	}
	if errors.Is(source, ledger.ErrUnknownAccount) {
		return status.Error(codes.NotFound, errorUnknownAccount)
	}
	if errors.Is(source, jobs.ErrJobNotFound) {
		return status.Error(codes.NotFound, errorJobNotFound)
	}
	if errors.Is(source, ledger.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrLedgerInvariantViolation) {
		return status.Error(codes.DataLoss, errorLedgerInvariant)
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	if errors.Is(source, context.Canceled) {
		return status.Error(codes.Canceled, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
