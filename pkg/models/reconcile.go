package models

// ReconcileResult labels the outcome of a reconciliation pass.
type ReconcileResult string

const (
	ResultSuccess ReconcileResult = "Success"
	ResultBlocked ReconcileResult = "Blocked"
	ResultFailed  ReconcileResult = "Failed"
	ResultRetry   ReconcileResult = "Retry"
)
