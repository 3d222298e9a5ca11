package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "approval.v1.ApprovalService"

// UserMetadataKey carries the authenticated user id in gRPC metadata.
const UserMetadataKey = "x-user-id"

// gRPC method names.
const (
	MethodInitiate       = "Initiate"
	MethodSubmitDecision = "SubmitDecision"
	MethodCancel         = "Cancel"
	MethodEscalate       = "Escalate"
	MethodQueryStatus    = "QueryStatus"
	MethodHistory        = "History"
	MethodPendingFor     = "PendingFor"
)

// FullMethod returns the invoke path of method, e.g. "/approval.v1.ApprovalService/Cancel".
func FullMethod(method string) string {
	return "/" + ApprovalServiceName + "/" + method
}

// ApprovalServiceServer is the server API. Payloads are JSON objects carried
// as google.protobuf.Struct, shaped like the HTTP API's bodies.
type ApprovalServiceServer interface {
	Initiate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Escalate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingFor(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ApprovalServiceDesc describes the service for grpc.Server.RegisterService.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodInitiate, ApprovalServiceServer.Initiate),
		unaryMethod(MethodSubmitDecision, ApprovalServiceServer.SubmitDecision),
		unaryMethod(MethodCancel, ApprovalServiceServer.Cancel),
		unaryMethod(MethodEscalate, ApprovalServiceServer.Escalate),
		unaryMethod(MethodQueryStatus, ApprovalServiceServer.QueryStatus),
		unaryMethod(MethodHistory, ApprovalServiceServer.History),
		unaryMethod(MethodPendingFor, ApprovalServiceServer.PendingFor),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approval/v1/approval_service.proto",
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalServiceDesc, srv)
}

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	engine *service.Engine
	logger *logger.Logger
}

var _ ApprovalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.Engine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		logger: log.Component("grpc"),
	}
}

// userID extracts the authenticated user ID from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(UserMetadataKey); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Initiate creates a new approval request
func (h *GRPCHandler) Initiate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req InitiateRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.fail(MethodInitiate, err)
	}
	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("category", req.Category).
		Msg("gRPC Initiate called")

	requester, err := resolveActor(userID(ctx), req.Requester, "requester")
	if err != nil {
		return nil, h.fail(MethodInitiate, err)
	}
	req.Requester = requester
	data, err := req.toData()
	if err != nil {
		return nil, h.fail(MethodInitiate, err)
	}
	st, err := h.engine.Initiate(ctx, req.WorkflowID, data)
	if err != nil {
		return nil, h.fail(MethodInitiate, err)
	}
	return encodeStruct(toStatusResponse(st))
}

// SubmitDecision records an approver response
func (h *GRPCHandler) SubmitDecision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DecisionRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.fail(MethodSubmitDecision, err)
	}
	approver, err := resolveActor(userID(ctx), req.Approver, "approver")
	if err != nil {
		return nil, h.fail(MethodSubmitDecision, err)
	}
	req.Approver = approver
	h.logger.Info().
		Str("request_id", req.RequestID).
		Int("stage_index", req.StageIndex).
		Str("approver", approver).
		Str("outcome", req.Outcome).
		Msg("gRPC SubmitDecision called")

	st, err := h.engine.SubmitDecision(ctx, req.toInput())
	if err != nil {
		return nil, h.fail(MethodSubmitDecision, err)
	}
	return encodeStruct(toStatusResponse(st))
}

// Cancel cancels a request
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CancelRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.fail(MethodCancel, err)
	}
	actor, err := resolveActor(userID(ctx), req.Actor, "actor")
	if err != nil {
		return nil, h.fail(MethodCancel, err)
	}
	h.logger.Info().Str("request_id", req.RequestID).Str("actor", actor).Msg("gRPC Cancel called")

	st, err := h.engine.Cancel(ctx, req.RequestID, actor)
	if err != nil {
		return nil, h.fail(MethodCancel, err)
	}
	return encodeStruct(toStatusResponse(st))
}

// Escalate escalates the active stage now
func (h *GRPCHandler) Escalate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EscalateRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.fail(MethodEscalate, err)
	}
	actor, err := resolveActor(userID(ctx), req.Actor, "actor")
	if err != nil {
		return nil, h.fail(MethodEscalate, err)
	}
	cause := repository.EscalationCause(req.Cause)
	if cause == "" {
		cause = repository.CauseManual
	}
	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("cause", string(cause)).
		Str("actor", actor).
		Msg("gRPC Escalate called")

	ev, err := h.engine.EscalateNow(ctx, req.RequestID, cause, actor)
	if err != nil {
		return nil, h.fail(MethodEscalate, err)
	}
	return encodeStruct(toEscalationView(ev))
}

// QueryStatus returns a request snapshot
func (h *GRPCHandler) QueryStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QueryRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.fail(MethodQueryStatus, err)
	}
	st, err := h.engine.QueryStatus(ctx, req.RequestID)
	if err != nil {
		return nil, h.fail(MethodQueryStatus, err)
	}
	return encodeStruct(toStatusResponse(st))
}

// History returns the full record of a request
func (h *GRPCHandler) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QueryRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.fail(MethodHistory, err)
	}
	hist, err := h.engine.History(ctx, req.RequestID)
	if err != nil {
		return nil, h.fail(MethodHistory, err)
	}
	return encodeStruct(toHistoryResponse(hist))
}

// PendingFor lists stages awaiting an approver
func (h *GRPCHandler) PendingFor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PendingRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, h.fail(MethodPendingFor, err)
	}
	approver := req.Approver
	if approver == "" {
		approver = userID(ctx)
	}
	stages, err := h.engine.PendingFor(ctx, approver)
	if err != nil {
		return nil, h.fail(MethodPendingFor, err)
	}
	return encodeStruct(PendingResponse{Approver: approver, Stages: toStageViews(stages)})
}

func (h *GRPCHandler) fail(method string, err error) error {
	ev := h.logger.Warn()
	if code := grpcCode(err); code == codes.Internal || code == codes.Unavailable {
		ev = h.logger.Error()
	}
	ev.Err(err).Str("method", method).Msg("gRPC call failed")
	return mapErrorToGRPC(err)
}

// mapErrorToGRPC converts an engine error to a status carrying an
// ErrorResponse as its detail.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	resp := toErrorResponse(err)
	st := status.New(grpcCode(err), resp.Message)
	if detail, encErr := encodeStruct(resp); encErr == nil {
		if withDetail, detErr := st.WithDetails(detail); detErr == nil {
			st = withDetail
		}
	}
	return st.Err()
}

func grpcCode(err error) codes.Code {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeUnauthorized:
		return codes.PermissionDenied
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeDuplicate, errors.ErrCodeConflict:
		return codes.AlreadyExists
	case errors.ErrCodeStaleStage, errors.ErrCodeTerminal:
		return codes.FailedPrecondition
	case errors.ErrCodePersistence:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// decodeStruct unpacks a Struct payload into a request type.
func decodeStruct(in *structpb.Struct, dst interface{}) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return errors.InvalidInput("payload", err.Error())
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errors.InvalidInput("payload", err.Error())
	}
	return nil
}

// encodeStruct packs a response type into a Struct.
func encodeStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// EncodePayload packs v into a Struct the way the server does.
func EncodePayload(v interface{}) (*structpb.Struct, error) { return encodeStruct(v) }

// DecodePayload unpacks a Struct into dst.
func DecodePayload(in *structpb.Struct, dst interface{}) error { return decodeStruct(in, dst) }
