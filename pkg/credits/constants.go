package credits

const (
	operationCheck     = "check_credits"
	operationDeduct    = "deduct"
	operationComplete  = "complete"
	operationRollback  = "rollback"
	operationBalance   = "balance"
	operationPurchase  = "purchase"
	operationAllowance = "allowance"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusDegraded = "degraded"

	freeCreditKeyPrefix = "free_credit"
	freeCreditKeySep    = ":"
	utcDateLayout       = "2006-01-02"

	secondsPerDay int64 = 86400
)
