package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	JobID          JobID
	Amount         Credits
	IdempotencyKey IdempotencyKey
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// It may be given more than once; every logger receives every entry.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithDistributedLocker adds a cross-process lock around every per-account operation.
func WithDistributedLocker(locker DistributedLocker) ServiceOption {
	return func(service *Service) {
		service.distributedLocker = locker
	}
}

// WithTrialCredits sets the deposit granted to accounts on creation.
func WithTrialCredits(amount int64) ServiceOption {
	return func(service *Service) {
		service.trialCredits = Credits(amount)
	}
}
