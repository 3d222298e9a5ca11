package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
)

// ApprovalsGRPCClient is a client for the approval gRPC service. Failures
// come back as *errors.Error with the server's code, so errors.Is works
// against the engine sentinels.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
func NewApprovalsGRPCClient(addr string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// Initiate creates a new approval request.
func (c *ApprovalsGRPCClient) Initiate(ctx context.Context, req handler.InitiateRequest) (*handler.StatusResponse, error) {
	var resp handler.StatusResponse
	if err := c.invoke(ctx, handler.MethodInitiate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitDecision records an approver response.
func (c *ApprovalsGRPCClient) SubmitDecision(ctx context.Context, req handler.DecisionRequest) (*handler.StatusResponse, error) {
	var resp handler.StatusResponse
	if err := c.invoke(ctx, handler.MethodSubmitDecision, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels a request. Cancelling a finished request returns its
// snapshot with Noop set.
func (c *ApprovalsGRPCClient) Cancel(ctx context.Context, requestID, actor string) (*handler.StatusResponse, error) {
	var resp handler.StatusResponse
	req := handler.CancelRequest{RequestID: requestID, Actor: actor}
	if err := c.invoke(ctx, handler.MethodCancel, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Escalate escalates the request's active stage now.
func (c *ApprovalsGRPCClient) Escalate(ctx context.Context, requestID, cause, actor string) (*handler.EscalationView, error) {
	var resp handler.EscalationView
	req := handler.EscalateRequest{RequestID: requestID, Cause: cause, Actor: actor}
	if err := c.invoke(ctx, handler.MethodEscalate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryStatus returns the current snapshot of a request.
func (c *ApprovalsGRPCClient) QueryStatus(ctx context.Context, requestID string) (*handler.StatusResponse, error) {
	var resp handler.StatusResponse
	if err := c.invoke(ctx, handler.MethodQueryStatus, handler.QueryRequest{RequestID: requestID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns decisions, escalations and the audit trail of a request.
func (c *ApprovalsGRPCClient) History(ctx context.Context, requestID string) (*handler.HistoryResponse, error) {
	var resp handler.HistoryResponse
	if err := c.invoke(ctx, handler.MethodHistory, handler.QueryRequest{RequestID: requestID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPendingApprovals returns the open stages waiting on approver. An empty
// approver means the calling user.
func (c *ApprovalsGRPCClient) GetPendingApprovals(ctx context.Context, approver string) (*handler.PendingResponse, error) {
	var resp handler.PendingResponse
	if err := c.invoke(ctx, handler.MethodPendingFor, handler.PendingRequest{Approver: approver}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ApprovalsGRPCClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	req, err := handler.EncodePayload(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, handler.FullMethod(method), req, resp); err != nil {
		return fromStatus(err)
	}
	return handler.DecodePayload(resp, out)
}

// fromStatus rebuilds the engine error from a gRPC status.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		detail, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		var resp handler.ErrorResponse
		if handler.DecodePayload(detail, &resp) != nil || resp.Code == "" {
			continue
		}
		e := errors.New(errors.Code(resp.Code), resp.Message)
		for k, v := range resp.Details {
			e.WithDetail(k, v)
		}
		return e
	}

	var code errors.Code
	switch st.Code() {
	case codes.InvalidArgument:
		code = errors.ErrCodeInvalidInput
	case codes.NotFound:
		code = errors.ErrCodeNotFound
	case codes.PermissionDenied:
		code = errors.ErrCodeUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded:
		code = errors.ErrCodePersistence
	default:
		code = errors.ErrCodeInternal
	}
	return errors.Wrap(err, code, st.Message())
}
