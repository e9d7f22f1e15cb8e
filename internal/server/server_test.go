package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MarginRisk/internal/core"
	"MarginRisk/internal/health"
	"MarginRisk/internal/ingestion"
	"MarginRisk/internal/persistence"
	"MarginRisk/internal/query"
	"MarginRisk/internal/server"
	"MarginRisk/internal/state"
	"MarginRisk/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fixture struct {
	srv     *server.GRPCServer
	handler http.Handler
	acct    *state.Account
}

// newFixture seeds one account holding 1000 USDC against 10 SOL borrowed:
// Init 760, Maint 780.
func newFixture(t *testing.T, withAdmin bool, limit server.RateLimit) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-10"})
	testutil.NewStandardWorld().Seed(t, store, acct)

	now := func() time.Time { return testutil.Now }
	deps := &server.ServerDeps{
		Query:     query.NewQueryService(store, nil, now, nil),
		RateLimit: limit,
	}
	if withAdmin {
		cfg := core.DefaultConfig()
		cfg.Now = now
		deps.Admin = ingestion.NewAdminIngestService(core.NewRiskEngine(store, cfg, nil, nil, nil), now)
	}
	srv := server.NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", deps)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)
	return &fixture{srv: srv, handler: h, acct: acct}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

// === Test: HTTP gateway ===

func TestHTTP_GetHealth(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{})
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/accounts/"+f.acct.ID.String()+"/health", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp query.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, f.acct.ID, resp.AccountID)
	assert.False(t, resp.Liquidatable)
	require.Len(t, resp.Health, 3)
	assert.Equal(t, "Init", resp.Health[0].Type)
	assert.True(t, resp.Health[0].Health.Equal(testutil.D("760")), "got %s", resp.Health[0].Health)
	assert.True(t, resp.Health[1].Health.Equal(testutil.D("780")))
}

func TestHTTP_ErrorsMapToStatusCodes(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{})
	id := f.acct.ID.String()

	cases := []struct {
		name, path string
		code       int
		grpcCode   string
	}{
		{"unknown account", "/v1/accounts/6f1d7c2e-0000-4000-8000-000000000000/health", http.StatusNotFound, "NotFound"},
		{"bad account id", "/v1/accounts/not-a-uuid/health", http.StatusBadRequest, "InvalidArgument"},
		{"missing token", "/v1/accounts/" + id + "/max-withdraw", http.StatusBadRequest, "InvalidArgument"},
		{"unknown token", "/v1/accounts/" + id + "/max-withdraw?token=9", http.StatusNotFound, "NotFound"},
		{"no event log", "/v1/accounts/" + id + "/events", http.StatusServiceUnavailable, "Unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := f.do(t, "GET", tc.path, "")
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Equal(t, tc.grpcCode, body["code"])
		})
	}
}

func TestHTTP_MaxWithdraw(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{})
	rec, body := f.do(t, "GET", "/v1/accounts/"+f.acct.ID.String()+"/max-withdraw?token=0", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "760", body["amount"])
}

func TestHTTP_AdminDisabled(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{})
	rec, body := f.do(t, "POST", "/v1/accounts", `{"owner":"bob"}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "Unimplemented", body["code"])
}

func TestHTTP_AdminFlow(t *testing.T) {
	f := newFixture(t, true, server.RateLimit{})

	rec, body := f.do(t, "POST", "/v1/accounts", `{"owner":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bob := body["account_id"].(string)

	rec, body = f.do(t, "POST", "/v1/bundles", `{"request_id":"h-1","account_id":"`+bob+`",
		"instructions":[{"type":"TokenDeposit","token":0,"amount":"100"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, "100", body["init_health"])

	// 100 USDC of Init health covers 100 / 24 SOL of borrowing.
	rec, body = f.do(t, "POST", "/v1/bundles", `{"account_id":"`+bob+`",
		"instructions":[{"type":"TokenWithdraw","token":1,"amount":"5","allow_borrow":true}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FailedPrecondition", body["code"])
	assert.Contains(t, body["message"], "InsufficientHealth")

	rec, _ = f.do(t, "POST", "/v1/bundles", `{"account_id":"`+bob+`","instructions":[{"type":"Teleport"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, "POST", "/v1/oracles/SOL/price", `{"price":"25","confidence":"0"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SOL", body["oracle"])

	rec, body = f.do(t, "POST", "/v1/insurance", `{"amount":"10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "10", body["balance"])

	rec, _ = f.do(t, "POST", "/v1/open-orders", `{"key":"oo-9","market_index":1,"base_free":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_RateLimited(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{RequestsPerSecond: 0.001, Burst: 1})
	path := "/v1/accounts/" + f.acct.ID.String()

	rec, _ := f.do(t, "GET", path, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := f.do(t, "GET", path, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "ResourceExhausted", body["code"])

	// Probes are never limited.
	rec, _ = f.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "Malformed", server.ErrorKind(ingestion.ErrMalformed))
	assert.Equal(t, "Unavailable", server.ErrorKind(query.ErrEventLogUnavailable))
	assert.Equal(t, "InsufficientHealth", server.ErrorKind(fmt.Errorf("withdraw: %w", health.ErrInsufficientHealth)))
}

// === Test: gRPC ===

func dialBufconn(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_GetHealth(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{})
	conn := dialBufconn(t, f)
	ctx := context.Background()

	var resp query.HealthResponse
	err := conn.Invoke(ctx, server.FullMethod("GetHealth"), &server.AccountRequest{AccountID: f.acct.ID.String()}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "Healthy", resp.LiquidationState)
	assert.True(t, resp.Health[0].Health.Equal(testutil.D("760")))

	err = conn.Invoke(ctx, server.FullMethod("GetHealth"), &server.AccountRequest{AccountID: "nope"}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var created server.AccountCreated
	err = conn.Invoke(ctx, server.FullMethod("CreateAccount"), &server.CreateAccountRequest{Owner: "x"}, &created)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGRPC_HealthService(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{})
	conn := dialBufconn(t, f)
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.srv.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "marginrisk.v1.RiskService"}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPC_RateLimited(t *testing.T) {
	f := newFixture(t, false, server.RateLimit{RequestsPerSecond: 0.001, Burst: 1})
	conn := dialBufconn(t, f)
	ctx := context.Background()
	req := &server.AccountRequest{AccountID: f.acct.ID.String()}

	var resp query.AccountResponse
	require.NoError(t, conn.Invoke(ctx, server.FullMethod("GetAccount"), req, &resp))
	err := conn.Invoke(ctx, server.FullMethod("GetAccount"), req, &resp)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
