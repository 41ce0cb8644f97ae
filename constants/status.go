package constants

// Status is the lifecycle status of a row in the log table.
type Status string

// Stable values (store these exact strings in DB).
const (
	StatusPrepared  Status = "PREPARED"  // converted, placed on a priority tier
	StatusQueued    Status = "QUEUED"    // handed to the gateway outbound folder
	StatusSent      Status = "SENT"      // accepted by the gateway
	StatusPosted    Status = "POSTED"    // queued by the protocol backend
	StatusDelivered Status = "DELIVERED" // delivered to the recipient
	StatusBusiness  Status = "BUSINESS"  // business progress annotation, non-terminal
	StatusAnswered  Status = "ANSWERED"  // terminal: primary response received
	StatusRejected  Status = "REJECTED"  // terminal: rejected by the recipient
	StatusFailed    Status = "FAILED"    // terminal: protocol error
	StatusTimeout   Status = "TIMEOUT"   // terminal: no answer before timeout_at
	StatusOverlimit Status = "OVERLIMIT" // parked: daily quota exceeded
)

// NonTerminal lists statuses swept to TIMEOUT once timeout_at passes.
var NonTerminal = []Status{
	StatusPrepared,
	StatusQueued,
	StatusSent,
	StatusPosted,
	StatusDelivered,
	StatusBusiness,
}

func (s Status) String() string { return string(s) }
