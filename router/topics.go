package router

// Inbound topics consumed from the ledger.
const (
	TopicLedgerWithdraw    = "ledger.withdraw"
	TopicLedgerCheckResult = "ledger.check_result"
)

// Outbound payment rails.
const (
	TopicPayWithdraw         = "pay.withdraw"
	TopicPayBTCWithdraw      = "pay.btc.withdraw"
	TopicPayETHWithdraw      = "pay.eth.withdraw"
	TopicPayUSDTTronWithdraw = "pay.usdt_tron.withdraw"
	TopicPayBakaiWithdraw    = "pay.bakai.withdraw"
)

// DefaultBackend is the bus that carries both ledger and payment traffic.
const DefaultBackend = "system"
