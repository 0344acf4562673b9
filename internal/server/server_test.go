package server_test

import (
	"WalletPnL/internal/core"
	"WalletPnL/internal/observability"
	"WalletPnL/internal/server"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeComputer struct {
	result  core.Result
	err     error
	wallets []string
	block   bool
}

func (f *fakeComputer) ComputeWalletPnL(ctx context.Context, wallet string) (core.Result, error) {
	f.wallets = append(f.wallets, wallet)
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("compute pnl: %w", ctx.Err())
	}
	return f.result, f.err
}

func newTestServer(t *testing.T, c server.PnLComputer, timeout time.Duration) (*server.Server, *observability.Metrics, *observability.HealthChecker) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hc := observability.NewHealthChecker()
	srv, err := server.NewServer("127.0.0.1:0", "127.0.0.1:0", server.ServerDeps{
		Computer:       c,
		HealthChecker:  hc,
		Metrics:        metrics,
		Logger:         zerolog.Nop(),
		RequestTimeout: timeout,
	})
	require.NoError(t, err)
	return srv, metrics, hc
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func scenarioResult() core.Result {
	d := func(s string) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.RequireFromString(s)) }
	return core.Result{"ethereum": {
		{Hour: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Balance: d("10"), Price: d("2"), USDValue: d("20"), PnL: d("0")},
		{Hour: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), Balance: d("10")},
		{Hour: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), Balance: d("25"), Price: d("3"), USDValue: d("75"), PnL: d("55")},
	}}
}

func TestGetPnL_Success(t *testing.T) {
	fc := &fakeComputer{result: scenarioResult()}
	srv, metrics, _ := newTestServer(t, fc, time.Second)

	rec, body := get(t, srv.Handler(), "/get-pnl?wallet_address=0xabc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Success", body["message"])
	assert.Equal(t, []string{"0xabc"}, fc.wallets)

	data := body["data"].(map[string]any)
	rows := data["ethereum"].([]any)
	require.Len(t, rows, 3)

	first := rows[0].(map[string]any)
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", first["hourly_ts"])
	assert.Equal(t, 10.0, first["balance_actual"])
	assert.Equal(t, 2.0, first["price"])
	assert.Equal(t, 20.0, first["usd_value"])
	assert.Equal(t, 0.0, first["PnL"])

	missing := rows[1].(map[string]any)
	assert.Nil(t, missing["price"])
	assert.Nil(t, missing["usd_value"])
	assert.Nil(t, missing["PnL"])
	assert.Contains(t, missing, "PnL")

	assert.Equal(t, 55.0, rows[2].(map[string]any)["PnL"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PnLRequests.WithLabelValues("ok")))
}

func TestGetPnL_EmptyResultIsSuccess(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeComputer{result: core.Result{}}, time.Second)

	rec, body := get(t, srv.Handler(), "/get-pnl?wallet_address=0xabc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{}, body["data"])
}

func TestGetPnL_MissingWallet(t *testing.T) {
	fc := &fakeComputer{}
	srv, metrics, _ := newTestServer(t, fc, time.Second)

	for _, target := range []string{"/get-pnl", "/get-pnl?wallet_address=", "/get-pnl?wallet_address=%20"} {
		rec, body := get(t, srv.Handler(), target)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, target)
		assert.Nil(t, body["data"])
		assert.Contains(t, body["message"], "wallet_address")
	}
	assert.Empty(t, fc.wallets)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.PnLRequests.WithLabelValues("missing_wallet")))
}

func TestGetPnL_InvalidWallet(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeComputer{err: core.ErrInvalidWallet}, time.Second)

	rec, body := get(t, srv.Handler(), "/get-pnl?wallet_address=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid or unsupported wallet address", body["message"])
	assert.Nil(t, body["data"])
}

func TestGetPnL_InternalErrorIsGeneric(t *testing.T) {
	err := fmt.Errorf("fetch balance events: %w: %w", core.ErrTransientProvider, errors.New("secret upstream detail"))
	srv, _, _ := newTestServer(t, &fakeComputer{err: err}, time.Second)

	rec, body := get(t, srv.Handler(), "/get-pnl?wallet_address=0xabc")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["message"])
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestGetPnL_RequestTimeout(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeComputer{block: true}, 20*time.Millisecond)

	rec, _ := get(t, srv.Handler(), "/get-pnl?wallet_address=0xabc")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetPnL_RequestID(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeComputer{result: core.Result{}}, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/get-pnl?wallet_address=0xabc", nil)
	req.Header.Set(server.RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(server.RequestIDHeader))

	rec, _ = get(t, srv.Handler(), "/get-pnl?wallet_address=0xabc")
	assert.NotEmpty(t, rec.Header().Get(server.RequestIDHeader))
}

func TestGetPnL_PanicBecomes500(t *testing.T) {
	srv, _, _ := newTestServer(t, panicComputer{}, time.Second)

	rec, body := get(t, srv.Handler(), "/get-pnl?wallet_address=0xabc")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["message"])
}

type panicComputer struct{}

func (panicComputer) ComputeWalletPnL(context.Context, string) (core.Result, error) {
	panic("boom")
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, hc := newTestServer(t, &fakeComputer{}, time.Second)

	rec, body := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])

	rec, _ = get(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hc.SetReady(true)
	rec, body = get(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	srv, _, hc := newTestServer(t, &fakeComputer{}, time.Second)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.ServeGRPC(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	hc.SetReady(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	hc.SetReady(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
