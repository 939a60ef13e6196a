package grpc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kneutral-org/lockguard/internal/guard"
	"github.com/kneutral-org/lockguard/internal/lock"
	"github.com/kneutral-org/lockguard/internal/logging"
)

const submitMethod = "/orders.v1.OrderService/Submit"

func newInvoker(t *testing.T) (*guard.Invoker, *lock.MemoryProvider) {
	t.Helper()
	provider := lock.NewMemoryProvider()
	inv, err := guard.NewInvoker(map[string]guard.LockProvider{guard.DefaultExecutor: provider})
	require.NoError(t, err)
	return inv, provider
}

func submitRequest(t *testing.T, id string) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{
		"order": map[string]any{"id": id},
	})
	require.NoError(t, err)
	return req
}

func userContext(user string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(UserMetadataKey, user, TenantMetadataKey, "acme"))
}

func TestInterceptor_GuardsConfiguredMethod(t *testing.T) {
	inv, provider := newInvoker(t)
	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: guard.Idempotent("order:{order.id}"),
	}, zerolog.Nop())

	var held bool
	resp, err := interceptor(userContext("alice"), submitRequest(t, "42"), &grpc.UnaryServerInfo{FullMethod: submitMethod},
		func(ctx context.Context, req any) (any, error) {
			held = provider.Held("order:42:u:alice")
			cc, ok := guard.CallContextFrom(ctx)
			require.True(t, ok)
			assert.Equal(t, "acme", cc.Tenant)
			return "done", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "done", resp)
	assert.True(t, held)
	assert.False(t, provider.Held("order:42:u:alice"))
}

func TestInterceptor_DuplicateIsAborted(t *testing.T) {
	inv, _ := newInvoker(t)
	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: guard.Idempotent("order:{order.id}"),
	}, zerolog.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: submitMethod}

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	firstReq := submitRequest(t, "42")
	go func() {
		_, err := interceptor(userContext("alice"), firstReq, info, func(context.Context, any) (any, error) {
			close(entered)
			<-proceed
			return nil, nil
		})
		done <- err
	}()
	<-entered

	called := false
	_, err := interceptor(userContext("alice"), submitRequest(t, "42"), info, func(context.Context, any) (any, error) {
		called = true
		return nil, nil
	})
	close(proceed)

	assert.Equal(t, codes.Aborted, status.Code(err))
	assert.False(t, called)
	require.NoError(t, <-done)
}

func TestInterceptor_MissingUserIsInvalidArgument(t *testing.T) {
	inv, _ := newInvoker(t)
	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: guard.Idempotent("order:{order.id}"),
	}, zerolog.Nop())

	_, err := interceptor(context.Background(), submitRequest(t, "42"), &grpc.UnaryServerInfo{FullMethod: submitMethod},
		func(context.Context, any) (any, error) { return nil, nil })

	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestInterceptor_CancelledWaitIsCanceled(t *testing.T) {
	inv, provider := newInvoker(t)
	h, ok, err := provider.Acquire(context.Background(), guard.AcquireRequest{Key: "order:42", TryOnly: true})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = provider.Release(context.Background(), h) }()

	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: {KeyTemplate: "order:{order.id}", WaitTimeout: time.Minute},
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = interceptor(ctx, submitRequest(t, "42"), &grpc.UnaryServerInfo{FullMethod: submitMethod},
		func(context.Context, any) (any, error) { return nil, nil })

	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestInterceptor_HandlerErrorPassesThrough(t *testing.T) {
	inv, _ := newInvoker(t)
	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: {KeyTemplate: "order:{order.id}", TryOnly: true},
	}, zerolog.Nop())

	handlerErr := errors.New("payment declined")
	_, err := interceptor(context.Background(), submitRequest(t, "42"), &grpc.UnaryServerInfo{FullMethod: submitMethod},
		func(context.Context, any) (any, error) { return nil, handlerErr })

	assert.Same(t, handlerErr, err)
}

func TestInterceptor_UnguardedMethodPassesThrough(t *testing.T) {
	inv, provider := newInvoker(t)
	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: guard.Idempotent("order:{order.id}"),
	}, zerolog.Nop())

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/orders.v1.OrderService/List"},
		func(context.Context, any) (any, error) { return "list", nil })

	require.NoError(t, err)
	assert.Equal(t, "list", resp)
	assert.Equal(t, 0, provider.Len())
}

func TestInterceptor_PanicsOnUnknownExecutor(t *testing.T) {
	inv, _ := newInvoker(t)
	assert.Panics(t, func() {
		UnaryServerInterceptor(inv, map[string]guard.LockSpec{
			submitMethod: {KeyTemplate: "x", Executor: "postgres"},
		}, zerolog.Nop())
	})
}

func TestInterceptor_OverGRPCServer(t *testing.T) {
	inv, _ := newInvoker(t)
	lis := bufconn.Listen(1 << 20)

	server := grpc.NewServer(grpc.UnaryInterceptor(UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		healthpb.Health_Check_FullMethodName: {KeyTemplate: "health:{service}", TryOnly: true, ScopedByTenant: true},
	}, zerolog.Nop())))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("orders", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	client := healthpb.NewHealthClient(conn)

	ctx := metadata.AppendToOutgoingContext(context.Background(), TenantMetadataKey, "acme")
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "orders"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "orders"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "unset fields are missing arguments")
}

func TestInterceptor_IdempotencyKeyDoesNotMutateRequest(t *testing.T) {
	inv, provider := newInvoker(t)
	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: {KeyTemplate: "pay:{idempotencyKey}", TryOnly: true},
	}, zerolog.Nop())

	req := map[string]any{"amount": 10}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(IdempotencyKeyMetadataKey, "k-1"))

	var held bool
	_, err := interceptor(ctx, req, &grpc.UnaryServerInfo{FullMethod: submitMethod}, func(ctx context.Context, _ any) (any, error) {
		held = provider.Held("pay:k-1")
		return nil, nil
	})

	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, map[string]any{"amount": 10}, req)
}

func TestInterceptor_LogsRefusalAndSharesLogger(t *testing.T) {
	inv, _ := newInvoker(t)
	var buf bytes.Buffer
	interceptor := UnaryServerInterceptor(inv, map[string]guard.LockSpec{
		submitMethod: guard.Idempotent("order:{order.id}"),
	}, zerolog.New(&buf))
	info := &grpc.UnaryServerInfo{FullMethod: submitMethod}

	_, err := interceptor(userContext("alice"), submitRequest(t, "42"), info, func(ctx context.Context, _ any) (any, error) {
		logger := logging.LoggerFromContext(ctx)
		logger.Info().Msg("submitting order")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "submitting order")
	assert.Contains(t, buf.String(), `"userId":"alice"`)

	buf.Reset()
	_, err = interceptor(context.Background(), submitRequest(t, "42"), info, func(context.Context, any) (any, error) {
		return nil, nil
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, buf.String(), "guarded call refused")
	assert.Contains(t, buf.String(), "InvalidArgument")
}
