package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

func dialBufconn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	engine, _ := newTestEngine(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterApprovalServiceServer(srv, NewGRPCHandler(engine, logger.Nop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, ctx context.Context, method string, in, out interface{}) error {
	t.Helper()
	req, err := EncodePayload(in)
	require.NoError(t, err)
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, FullMethod(method), req, resp); err != nil {
		return err
	}
	require.NoError(t, DecodePayload(resp, out))
	return nil
}

func as(user string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), UserMetadataKey, user)
}

func TestGRPCApprovalFlow(t *testing.T) {
	conn := dialBufconn(t)

	var created StatusResponse
	require.NoError(t, invoke(t, conn, as("requester"), MethodInitiate,
		InitiateRequest{WorkflowID: "purchase", Title: "Desk", Category: "facilities", Priority: "URGENT"}, &created))
	assert.Equal(t, "IN_PROGRESS", created.Request.Status)
	assert.Equal(t, "URGENT", created.Request.Priority)
	assert.Equal(t, "requester", created.Request.Requester)
	id := created.Request.ID

	var pending PendingResponse
	require.NoError(t, invoke(t, conn, as("alice"), MethodPendingFor, PendingRequest{}, &pending))
	assert.Equal(t, "alice", pending.Approver)
	require.Len(t, pending.Stages, 1)

	var decided StatusResponse
	require.NoError(t, invoke(t, conn, as("alice"), MethodSubmitDecision,
		DecisionRequest{RequestID: id, StageIndex: 0, Outcome: "DELEGATE", DelegateTo: "dave"}, &decided))
	assert.Equal(t, "DELEGATED", decided.Request.Status)
	assert.Equal(t, []string{"dave"}, decided.Stages[0].Pending)
	assert.Equal(t, map[string]string{"dave": "alice"}, decided.Stages[0].Delegations)

	var esc EscalationView
	require.NoError(t, invoke(t, conn, as("ops"), MethodEscalate, EscalateRequest{RequestID: id, Cause: "COMPLIANCE"}, &esc))
	assert.Equal(t, "COMPLIANCE", esc.Cause)
	assert.Equal(t, 1, esc.Level)

	var cancelled StatusResponse
	require.NoError(t, invoke(t, conn, as("requester"), MethodCancel, CancelRequest{RequestID: id}, &cancelled))
	assert.Equal(t, "CANCELLED", cancelled.Request.Status)
	assert.False(t, cancelled.Noop)

	var hist HistoryResponse
	require.NoError(t, invoke(t, conn, context.Background(), MethodHistory, QueryRequest{RequestID: id}, &hist))
	assert.Len(t, hist.Decisions, 1)
	assert.Len(t, hist.Escalations, 1)

	var status StatusResponse
	require.NoError(t, invoke(t, conn, context.Background(), MethodQueryStatus, QueryRequest{RequestID: id}, &status))
	assert.Equal(t, "CANCELLED", status.Request.Status)
}

func TestGRPCErrorCodes(t *testing.T) {
	conn := dialBufconn(t)

	var created StatusResponse
	require.NoError(t, invoke(t, conn, context.Background(), MethodInitiate,
		InitiateRequest{WorkflowID: "purchase", Title: "Desk", Category: "facilities"}, &created))
	id := created.Request.ID

	var out StatusResponse
	err := invoke(t, conn, as("bob"), MethodSubmitDecision, DecisionRequest{RequestID: id, StageIndex: 1, Outcome: "APPROVE"}, &out)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, st.Code())

	require.Len(t, st.Details(), 1)
	var detail ErrorResponse
	require.NoError(t, DecodePayload(st.Details()[0].(*structpb.Struct), &detail))
	assert.Equal(t, "STALE_STAGE", detail.Code)
	assert.Equal(t, "invalid", detail.Kind)

	err = invoke(t, conn, as("mallory"), MethodSubmitDecision, DecisionRequest{RequestID: id, Outcome: "APPROVE"}, &out)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	err = invoke(t, conn, context.Background(), MethodQueryStatus, QueryRequest{RequestID: "missing"}, &out)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = invoke(t, conn, context.Background(), MethodInitiate, InitiateRequest{WorkflowID: "purchase"}, &out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, invoke(t, conn, as("alice"), MethodSubmitDecision, DecisionRequest{RequestID: id, Outcome: "APPROVE"}, &out))
	require.NoError(t, invoke(t, conn, as("bob"), MethodSubmitDecision, DecisionRequest{RequestID: id, StageIndex: 1, Outcome: "APPROVE"}, &out))
	assert.Equal(t, "APPROVED", out.Request.Status)

	var esc EscalationView
	err = invoke(t, conn, as("ops"), MethodEscalate, EscalateRequest{RequestID: id}, &esc)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
