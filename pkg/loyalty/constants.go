package loyalty

const (
	operationRedeem     = "redeem"
	operationEnsureRule = "ensure_rule"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reasonPrefixOrder        = "order:"
	reasonPrefixRefund       = "refund:"
	reasonPrefixRedeem       = "redeem:"
	reasonPrefixRedeemCancel = "redeem_cancel:"

	defaultCodePrefix = "LOYAL"
	codeSuffixLength  = 8
)
