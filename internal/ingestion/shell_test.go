package ingestion_test

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/ingestion"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Subject routing
// ============================================================================

func TestSubjectResolver(t *testing.T) {
	r := ingestion.NewSubjectResolver(ingestion.DefaultSubjects())
	tests := []struct {
		subject string
		want    event.EventType
	}{
		{"keeptrade.commands.deposit.0xabc", event.EventTypeDeposit},
		{"keeptrade.commands.fill.7", event.EventTypeFillTrade},
		{"keeptrade.commands.cancel.0xabc", event.EventTypeCancelTrades},
		{"keeptrade.commands.admin_cancel.0xabc", event.EventTypeAdminCancel},
		{"keeptrade.commands.governance.fees.1", event.EventTypeSetFees},
		{"keeptrade.commands.governance.transfer.1", event.EventTypeSetGovernance},
		{"keeptrade.commands.governance.other", event.EventTypeUnknown},
		{"keeptrade.commands.depositx.1", event.EventTypeUnknown},
		{"other.subject", event.EventTypeUnknown},
	}
	for _, tc := range tests {
		if got := r.Resolve(tc.subject); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.subject, got, tc.want)
		}
	}
}

// ============================================================================
// Test: Shell
// ============================================================================

type ackCounter struct {
	acks, naks atomic.Int32
}

func (c *ackCounter) raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { c.acks.Add(1) },
		NakFunc:   func() { c.naks.Add(1) },
	}
}

func TestShell_ParsesAndDrops(t *testing.T) {
	shell := ingestion.NewShell(ingestion.DefaultSubjects(), nil, zerolog.Nop())
	counter := &ackCounter{}

	good, _ := json.Marshal(map[string]interface{}{
		"request_id": requestID,
		"owner":      ownerHex,
		"trade_id":   1,
		"rate":       "2",
		"nonce":      0,
	})
	rawChan := make(chan ingestion.RawEvent, 3)
	rawChan <- counter.raw("keeptrade.commands.nowhere.1", good)
	rawChan <- counter.raw("keeptrade.commands.rate.1", []byte("not json"))
	rawChan <- counter.raw("keeptrade.commands.rate.1", good)
	close(rawChan)

	out := make(chan ingestion.Submission, 3)
	shell.Run(context.Background(), rawChan, out)
	close(out)

	var subs []ingestion.Submission
	for s := range out {
		subs = append(subs, s)
	}
	if len(subs) != 1 {
		t.Fatalf("submissions: got %d, want 1", len(subs))
	}
	if subs[0].Event.EventType() != event.EventTypeUpdateRate {
		t.Errorf("type: %s", subs[0].Event.EventType())
	}
	if counter.acks.Load() != 3 || counter.naks.Load() != 0 {
		t.Errorf("acks %d naks %d", counter.acks.Load(), counter.naks.Load())
	}
}

func TestShell_NaksOnShutdown(t *testing.T) {
	shell := ingestion.NewShell(ingestion.DefaultSubjects(), nil, zerolog.Nop())
	counter := &ackCounter{}

	data, _ := json.Marshal(map[string]interface{}{
		"request_id": requestID, "from": ownerHex, "trade_ids": []uint64{1},
	})
	rawChan := make(chan ingestion.RawEvent, 1)
	rawChan <- counter.raw("keeptrade.commands.cancel.1", data)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		shell.Run(ctx, rawChan, make(chan ingestion.Submission)) // nobody reads
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shell did not stop")
	}
	if counter.naks.Load() != 1 || counter.acks.Load() != 0 {
		t.Errorf("acks %d naks %d", counter.acks.Load(), counter.naks.Load())
	}
}

// ============================================================================
// Test: Synchronous submit
// ============================================================================

func TestGRPCIngestService_Submit(t *testing.T) {
	ch := make(chan ingestion.Submission, 1)
	svc := ingestion.NewGRPCIngestService(ch)
	evt := mustParse(t, event.EventTypeSetGovernance, map[string]interface{}{
		"request_id": requestID, "from": ownerHex, "next": keeperHex,
	})

	go func() {
		s := <-ch
		s.Reply(ingestion.SubmitResult{Sequence: 9, Outcome: event.OutcomeRejected, RejectReason: "PermissionDenied"})
		s = <-ch
		s.Reply(ingestion.SubmitResult{Sequence: -1})
	}()

	r, err := svc.Submit(context.Background(), evt, time.Now().UnixNano())
	if err != nil || r.Sequence != 9 {
		t.Fatalf("first submit: seq %d err %v", r.Sequence, err)
	}
	if r.Outcome != event.OutcomeRejected || r.RejectReason != "PermissionDenied" {
		t.Errorf("outcome %s reason %q", r.Outcome, r.RejectReason)
	}
	if _, err := svc.Submit(context.Background(), evt, 0); !errors.Is(err, ingestion.ErrNotSequenced) {
		t.Errorf("duplicate submit: got %v", err)
	}
}

func TestGRPCIngestService_ContextCancelled(t *testing.T) {
	svc := ingestion.NewGRPCIngestService(make(chan ingestion.Submission))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := svc.Submit(ctx, nil, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v", err)
	}
}

// ============================================================================
// Test: Outbound events
// ============================================================================

func TestNewPublishableEvents_Applied(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: requestID,
		EventType:      event.EventTypeCancelTrades,
		Caller:         common.HexToAddress(ownerHex),
		Outcome:        event.OutcomeApplied,
		Records: []event.Record{
			&event.TradeCancelled{TradeID: 1, Owner: ownerHex, Refunded: "10"},
			&event.TradeCancelled{TradeID: 2, Owner: ownerHex, Refunded: "20"},
		},
	}
	got, err := ingestion.NewPublishableEvents(env)
	if err != nil {
		t.Fatalf("publishable: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events: got %d, want 2", len(got))
	}
	if got[1].Subject() != "keeptrade.events.TradeCancelled" || got[1].MsgID() != "12-1" {
		t.Errorf("subject %s msg id %s", got[1].Subject(), got[1].MsgID())
	}
	var rec event.TradeCancelled
	if err := json.Unmarshal(got[1].Data, &rec); err != nil || rec.TradeID != 2 {
		t.Errorf("data %s err %v", got[1].Data, err)
	}
}

func TestNewPublishableEvents_Rejected(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:     4,
		EventType:    event.EventTypeFillTrade,
		Outcome:      event.OutcomeRejected,
		RejectReason: "trade is not active",
	}
	got, err := ingestion.NewPublishableEvents(env)
	if err != nil {
		t.Fatalf("publishable: %v", err)
	}
	if len(got) != 1 || got[0].Topic != "CommandRejected" || got[0].RejectReason != "trade is not active" {
		t.Errorf("got %+v", got)
	}
	if got[0].Data != nil {
		t.Errorf("rejected event carries data: %s", got[0].Data)
	}
}
