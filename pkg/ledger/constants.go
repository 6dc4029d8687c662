package ledger

const (
	operationEnsureAccount = "ensure_account"
	operationDeposit       = "deposit"
	operationAdjust        = "adjust"
	operationReserve       = "reserve"
	operationCommit        = "commit"
	operationRelease       = "release"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	trialIdempotencyPrefix = "trial:"
	trialNote              = "trial credits"
	accountLockKeyPrefix   = "creditgen:account:"
)
