package credits

const (
	operationAdd    = "add"
	operationDeduct = "deduct"
	operationRefund = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
