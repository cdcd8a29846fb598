package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeCreateTrade
	EventTypeFillTrade
	EventTypeCancelTrades
	EventTypeAdminCancel
	EventTypeUpdateRate
	EventTypeSetRequirements
	EventTypeSetFees
	EventTypeSetGovernance
)

// Outcome of applying a command.
type Outcome int32

const (
	OutcomeApplied Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	if o == OutcomeRejected {
		return "rejected"
	}
	return "applied"
}

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Address the command acts for
	Caller common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Caller nonce for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	Outcome Outcome

	// Sentinel text when Outcome is rejected
	RejectReason string

	// Records produced by an applied command
	Records []Record

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Caller returns the address the command acts for
	Caller() common.Address

	// SourceSequence returns the caller's nonce
	SourceSequence() int64

	// EventTimestamp returns the versioned input time in epoch microseconds
	EventTimestamp() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeCreateTrade:
		return "CreateTrade"
	case EventTypeFillTrade:
		return "FillTrade"
	case EventTypeCancelTrades:
		return "CancelTrades"
	case EventTypeAdminCancel:
		return "AdminCancel"
	case EventTypeUpdateRate:
		return "UpdateRate"
	case EventTypeSetRequirements:
		return "SetRequirements"
	case EventTypeSetFees:
		return "SetFees"
	case EventTypeSetGovernance:
		return "SetGovernance"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String; unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	for et := EventTypeDeposit; et <= EventTypeSetGovernance; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
