package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload rebuilds a command from the JSON payload stored with its
// envelope. Used for replay after a snapshot.
func DecodePayload(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeDeposit:
		evt = &Deposit{}
	case EventTypeCreateTrade:
		evt = &CreateTrade{}
	case EventTypeFillTrade:
		evt = &FillTrade{}
	case EventTypeCancelTrades, EventTypeAdminCancel:
		evt = &CancelTrades{}
	case EventTypeUpdateRate:
		evt = &UpdateRate{}
	case EventTypeSetRequirements:
		evt = &SetRequirements{}
	case EventTypeSetFees:
		evt = &SetFees{}
	case EventTypeSetGovernance:
		evt = &SetGovernance{}
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}

// TaggedRecord is the wire form of a Record: its type name and JSON body.
type TaggedRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeRecords tags and encodes records in order.
func EncodeRecords(records []Record) ([]byte, error) {
	tagged := make([]TaggedRecord, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.RecordType(), err)
		}
		tagged = append(tagged, TaggedRecord{Type: r.RecordType().String(), Data: data})
	}
	return json.Marshal(tagged)
}

// DecodeRecords is the inverse of EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	var tagged []TaggedRecord
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	out := make([]Record, 0, len(tagged))
	for _, t := range tagged {
		r, err := DecodeRecord(t.Type, t.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DecodeRecord decodes one record body given its type name.
func DecodeRecord(typeName string, data []byte) (Record, error) {
	var r Record
	switch typeName {
	case RecordTypeDeposited.String():
		r = &Deposited{}
	case RecordTypeTradeCreated.String():
		r = &TradeCreated{}
	case RecordTypeTradeFilled.String():
		r = &TradeFilled{}
	case RecordTypeTradeCancelled.String():
		r = &TradeCancelled{}
	case RecordTypeRateUpdated.String():
		r = &RateUpdated{}
	case RecordTypeRequirementsUpdated.String():
		r = &RequirementsUpdated{}
	case RecordTypeFeesUpdated.String():
		r = &FeesUpdated{}
	case RecordTypeGovernanceTransferred.String():
		r = &GovernanceTransferred{}
	default:
		return nil, fmt.Errorf("decode record: unknown type %q", typeName)
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return r, nil
}
