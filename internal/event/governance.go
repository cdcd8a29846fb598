package event

import (
	"KeepTrade/internal/fee"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SetRequirements replaces the tier thresholds.
type SetRequirements struct {
	RequestID    uuid.UUID
	From         common.Address
	Requirements fee.Requirements
	Nonce        int64
	Timestamp    int64
}

func (s *SetRequirements) IdempotencyKey() string { return s.RequestID.String() }
func (s *SetRequirements) EventType() EventType   { return EventTypeSetRequirements }
func (s *SetRequirements) Caller() common.Address { return s.From }
func (s *SetRequirements) SourceSequence() int64  { return s.Nonce }
func (s *SetRequirements) EventTimestamp() int64  { return s.Timestamp }

// SetFees replaces the tier multipliers and fee base.
type SetFees struct {
	RequestID   uuid.UUID
	From        common.Address
	Multipliers fee.Multipliers
	Nonce       int64
	Timestamp   int64
}

func (s *SetFees) IdempotencyKey() string { return s.RequestID.String() }
func (s *SetFees) EventType() EventType   { return EventTypeSetFees }
func (s *SetFees) Caller() common.Address { return s.From }
func (s *SetFees) SourceSequence() int64  { return s.Nonce }
func (s *SetFees) EventTimestamp() int64  { return s.Timestamp }

// SetGovernance hands governance to Next.
type SetGovernance struct {
	RequestID uuid.UUID
	From      common.Address
	Next      common.Address
	Nonce     int64
	Timestamp int64
}

func (s *SetGovernance) IdempotencyKey() string { return s.RequestID.String() }
func (s *SetGovernance) EventType() EventType   { return EventTypeSetGovernance }
func (s *SetGovernance) Caller() common.Address { return s.From }
func (s *SetGovernance) SourceSequence() int64  { return s.Nonce }
func (s *SetGovernance) EventTimestamp() int64  { return s.Timestamp }
