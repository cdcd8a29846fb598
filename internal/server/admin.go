package server

import (
	"KeepTrade/internal/core"
	"KeepTrade/internal/event"
	"KeepTrade/internal/ingestion"
	"KeepTrade/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const adminServiceName = "keeptrade.admin.v1.Admin"

// ============================================================================
// Messages
// ============================================================================

// CommandHeader is common to every admin command. RequestID defaults to a
// fresh UUID and Nonce to the caller's next expected nonce.
type CommandHeader struct {
	RequestID   string `json:"request_id,omitempty"`
	From        string `json:"from"`
	Nonce       *int64 `json:"nonce,omitempty"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
}

func (h *CommandHeader) header() *CommandHeader { return h }

type SetRequirementsRequest struct {
	CommandHeader
	KeeperL1 string `json:"keeper_l1"`
	KeeperL2 string `json:"keeper_l2"`
	KeeperL3 string `json:"keeper_l3"`
	Discount string `json:"discount"`
}

type SetFeesRequest struct {
	CommandHeader
	KeeperL1 uint64 `json:"keeper_l1"`
	KeeperL2 uint64 `json:"keeper_l2"`
	KeeperL3 uint64 `json:"keeper_l3"`
	Basic    uint64 `json:"basic"`
	Discount uint64 `json:"discount"`
	Base     uint64 `json:"base"`
}

type SetGovernanceRequest struct {
	CommandHeader
	Next string `json:"next"`
}

type CancelFromOwnerRequest struct {
	CommandHeader
	TradeIDs []uint64 `json:"trade_ids"`
}

// CommandResponse reports where an applied command landed in the log.
type CommandResponse struct {
	RequestID string `json:"request_id"`
	Sequence  int64  `json:"sequence"`
}

type GetFeeConfigRequest struct{}

type GetEventLogInfoRequest struct{}

type EventLogInfoResponse struct {
	LastPersisted int64 `json:"last_persisted"`
	LastSequenced int64 `json:"last_sequenced"`
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type VerifyIntegrityRequest struct{}

// ============================================================================
// Service definition
// ============================================================================

// AdminServer is the governance surface. Mutators go through the core like
// any other command, so a non-governance caller is rejected there.
type AdminServer interface {
	SetRequirements(context.Context, *SetRequirementsRequest) (*CommandResponse, error)
	SetFees(context.Context, *SetFeesRequest) (*CommandResponse, error)
	SetGovernance(context.Context, *SetGovernanceRequest) (*CommandResponse, error)
	CancelFromOwner(context.Context, *CancelFromOwnerRequest) (*CommandResponse, error)
	GetFeeConfig(context.Context, *GetFeeConfigRequest) (*query.FeeConfigResponse, error)
	GetEventLogInfo(context.Context, *GetEventLogInfoRequest) (*EventLogInfoResponse, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

func unaryHandler[Req, Resp any](method string, call func(AdminServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdminServer), ctx, req.(*Req))
		})
	}
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetRequirements", Handler: unaryHandler("SetRequirements", AdminServer.SetRequirements)},
		{MethodName: "SetFees", Handler: unaryHandler("SetFees", AdminServer.SetFees)},
		{MethodName: "SetGovernance", Handler: unaryHandler("SetGovernance", AdminServer.SetGovernance)},
		{MethodName: "CancelFromOwner", Handler: unaryHandler("CancelFromOwner", AdminServer.CancelFromOwner)},
		{MethodName: "GetFeeConfig", Handler: unaryHandler("GetFeeConfig", AdminServer.GetFeeConfig)},
		{MethodName: "GetEventLogInfo", Handler: unaryHandler("GetEventLogInfo", AdminServer.GetEventLogInfo)},
		{MethodName: "TakeSnapshot", Handler: unaryHandler("TakeSnapshot", AdminServer.TakeSnapshot)},
		{MethodName: "VerifyIntegrity", Handler: unaryHandler("VerifyIntegrity", AdminServer.VerifyIntegrity)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "keeptrade/admin/v1",
}

// RegisterAdminServer registers srv on s under keeptrade.admin.v1.Admin.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

// AdminClient calls the admin service with the JSON codec.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(jsonCodecName))
	return c.cc.Invoke(ctx, "/"+adminServiceName+"/"+method, in, out, opts...)
}

func (c *AdminClient) SetRequirements(ctx context.Context, in *SetRequirementsRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	out := new(CommandResponse)
	return out, c.invoke(ctx, "SetRequirements", in, out, opts...)
}

func (c *AdminClient) SetFees(ctx context.Context, in *SetFeesRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	out := new(CommandResponse)
	return out, c.invoke(ctx, "SetFees", in, out, opts...)
}

func (c *AdminClient) SetGovernance(ctx context.Context, in *SetGovernanceRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	out := new(CommandResponse)
	return out, c.invoke(ctx, "SetGovernance", in, out, opts...)
}

func (c *AdminClient) CancelFromOwner(ctx context.Context, in *CancelFromOwnerRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	out := new(CommandResponse)
	return out, c.invoke(ctx, "CancelFromOwner", in, out, opts...)
}

func (c *AdminClient) GetFeeConfig(ctx context.Context, opts ...grpc.CallOption) (*query.FeeConfigResponse, error) {
	out := new(query.FeeConfigResponse)
	return out, c.invoke(ctx, "GetFeeConfig", &GetFeeConfigRequest{}, out, opts...)
}

func (c *AdminClient) GetEventLogInfo(ctx context.Context, opts ...grpc.CallOption) (*EventLogInfoResponse, error) {
	out := new(EventLogInfoResponse)
	return out, c.invoke(ctx, "GetEventLogInfo", &GetEventLogInfoRequest{}, out, opts...)
}

// ============================================================================
// Implementation
// ============================================================================

// SnapshotFunc captures the core state and persists it, returning the
// snapshot sequence.
type SnapshotFunc func(ctx context.Context) (int64, error)

type adminService struct {
	ingest    *ingestion.GRPCIngestService
	reader    *query.CoreReader
	queries   *query.QueryService
	lastSeq   func(ctx context.Context) (int64, error)
	snapshot  SnapshotFunc
	submitTTL time.Duration
}

func (s *adminService) SetRequirements(ctx context.Context, req *SetRequirementsRequest) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeSetRequirements, req)
}

func (s *adminService) SetFees(ctx context.Context, req *SetFeesRequest) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeSetFees, req)
}

func (s *adminService) SetGovernance(ctx context.Context, req *SetGovernanceRequest) (*CommandResponse, error) {
	return s.submit(ctx, event.EventTypeSetGovernance, req)
}

func (s *adminService) CancelFromOwner(ctx context.Context, req *CancelFromOwnerRequest) (*CommandResponse, error) {
	if len(req.TradeIDs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "trade_ids is required")
	}
	return s.submit(ctx, event.EventTypeAdminCancel, req)
}

func (s *adminService) GetFeeConfig(ctx context.Context, _ *GetFeeConfigRequest) (*query.FeeConfigResponse, error) {
	resp, err := s.reader.FeeConfig(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *adminService) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*EventLogInfoResponse, error) {
	sequenced, err := s.reader.Sequence(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	persisted := int64(-1)
	if s.lastSeq != nil {
		if persisted, err = s.lastSeq(ctx); err != nil {
			return nil, status.Errorf(codes.Internal, "latest sequence: %v", err)
		}
	}
	return &EventLogInfoResponse{LastPersisted: persisted, LastSequenced: sequenced}, nil
}

func (s *adminService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not enabled")
	}
	seq, err := s.snapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (s *adminService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not enabled")
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

// submit fills the header defaults, runs the request through the command
// parser and waits for the core to sequence it.
func (s *adminService) submit(ctx context.Context, et event.EventType, req interface{ header() *CommandHeader }) (*CommandResponse, error) {
	h := req.header()
	if !common.IsHexAddress(h.From) {
		return nil, status.Errorf(codes.InvalidArgument, "from: %q is not an address", h.From)
	}
	if h.RequestID == "" {
		h.RequestID = uuid.NewString()
	}
	if h.Nonce == nil {
		nonce, err := s.reader.ExpectedNonce(ctx, common.HexToAddress(h.From))
		if err != nil {
			return nil, toStatus(err)
		}
		h.Nonce = &nonce
	}
	if h.TimestampUs == 0 {
		h.TimestampUs = time.Now().UnixMicro()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode command: %v", err)
	}
	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, et)
	if err != nil {
		return nil, toStatus(err)
	}

	if s.submitTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.submitTTL)
		defer cancel()
	}
	r, err := s.ingest.Submit(ctx, evt, time.Now().UnixNano())
	if err != nil {
		return nil, toStatus(err)
	}
	if r.Outcome == event.OutcomeRejected {
		return nil, status.Errorf(rejectCode(r.RejectReason), "%s: rejected at sequence %d", r.RejectReason, r.Sequence)
	}
	return &CommandResponse{RequestID: h.RequestID, Sequence: r.Sequence}, nil
}

// rejectCode maps the reject reason recorded in the log to a status code.
func rejectCode(reason string) codes.Code {
	switch reason {
	case "PermissionDenied":
		return codes.PermissionDenied
	case "InvalidTradeId":
		return codes.NotFound
	case "InvalidTradeType", "InvalidAmount", "InvalidGovernance", "InvalidOrder", "InvalidFeeBase":
		return codes.InvalidArgument
	case "InsufficientFunds", "TransferRefused":
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus maps package sentinels to status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ingestion.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ingestion.ErrNotSequenced):
		return status.Error(codes.AlreadyExists, "duplicate request_id")
	case errors.Is(err, core.ErrStaleNonce), errors.Is(err, core.ErrNonceGap):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, query.ErrNotFound), errors.Is(err, core.ErrInvalidTradeID):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrCoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal: %v", err))
	}
}
