package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"MarginRisk/internal/ingestion"
	"MarginRisk/internal/observability"
	"MarginRisk/internal/query"
	"MarginRisk/internal/state"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway. Both serve the
// same RiskService implementation; the gateway calls it in process.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	service       RiskServiceServer
	limiter       *RateLimiter
	log           zerolog.Logger
}

// ServerDeps holds the services behind the API. Admin may be nil for a
// read-only deployment.
type ServerDeps struct {
	Query         *query.QueryService
	Admin         *ingestion.AdminIngestService
	HealthChecker *observability.HealthChecker
	RateLimit     RateLimit
}

// NewGRPCServer creates the gRPC server with RiskService, the standard
// health service and reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		service:       &riskService{qs: deps.Query, admin: deps.Admin},
		limiter:       NewRateLimiter(deps.RateLimit),
		log:           observability.NewLogger("server"),
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.limiter.UnaryInterceptor(),
		s.loggingInterceptor,
	))
	s.grpcServer.RegisterService(&RiskServiceDesc, s.service)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips the gRPC health status of the whole server and of
// RiskService.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(serviceName, st)
}

// StartGRPC listens on the gRPC address and serves until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler builds the gateway mux: RiskService routes behind the rate
// limiter, plus /healthz and /readyz.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	svc := s.service

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account_id}", handle(svc, RiskServiceServer.GetAccount, bindAccount)},
		{"GET", "/v1/accounts/{account_id}/health", handle(svc, RiskServiceServer.GetHealth, bindAccount)},
		{"GET", "/v1/accounts/{account_id}/max-withdraw", handle(svc, RiskServiceServer.MaxWithdraw, bindMaxWithdraw)},
		{"GET", "/v1/accounts/{account_id}/events", handle(svc, RiskServiceServer.GetAccountEvents, bindEvents)},
		{"GET", "/v1/integrity", handle[IntegrityRequest](svc, RiskServiceServer.VerifyIntegrity, nil)},

		{"POST", "/v1/accounts", handle[CreateAccountRequest](svc, RiskServiceServer.CreateAccount, nil)},
		{"POST", "/v1/bundles", handle[RawRequest](svc, RiskServiceServer.ExecuteBundle, nil)},
		{"POST", "/v1/oracles/{oracle}/price", handle(svc, RiskServiceServer.InjectOraclePrice, bindOracle)},
		{"POST", "/v1/funding", handle[RawRequest](svc, RiskServiceServer.InjectFunding, nil)},
		{"POST", "/v1/banks", handle[state.Bank](svc, RiskServiceServer.RegisterBank, nil)},
		{"POST", "/v1/perp-markets", handle[state.PerpMarket](svc, RiskServiceServer.RegisterPerpMarket, nil)},
		{"POST", "/v1/open-orders", handle[state.OpenOrders](svc, RiskServiceServer.SyncOpenOrders, nil)},
		{"POST", "/v1/insurance", handle[InsuranceRequest](svc, RiskServiceServer.FundInsurance, nil)},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", s.limiter.Middleware(mux))
	return httpMux, nil
}

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	evt := s.log.Debug()
	if code == codes.Internal || code == codes.Unknown {
		evt = s.log.Error().Err(err)
	}
	evt.Str("method", info.FullMethod).
		Str("code", code.String()).
		Dur("took", time.Since(start)).
		Msg("rpc")
	return resp, err
}

// ============================================================================
// Gateway handlers
// ============================================================================

type binder[Req any] func(req *Req, r *http.Request, params map[string]string) error

// handle decodes a POST body into Req, applies path and query parameters,
// and writes the RiskService response as JSON.
func handle[Req, Resp any](svc RiskServiceServer, call func(RiskServiceServer, context.Context, *Req) (*Resp, error), bind binder[Req]) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		if r.Method == http.MethodPost {
			err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(req)
			if err != nil && !errors.Is(err, io.EOF) {
				writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
				return
			}
		}
		if bind != nil {
			if err := bind(req, r, params); err != nil {
				writeError(w, err)
				return
			}
		}
		resp, err := call(svc, r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func bindAccount(req *AccountRequest, _ *http.Request, params map[string]string) error {
	req.AccountID = params["account_id"]
	return nil
}

func bindMaxWithdraw(req *MaxWithdrawRequest, r *http.Request, params map[string]string) error {
	req.AccountID = params["account_id"]
	raw := r.URL.Query().Get("token")
	if raw == "" {
		return status.Error(codes.InvalidArgument, "token is required")
	}
	token, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid token %q", raw)
	}
	req.Token = uint16(token)
	return nil
}

func bindEvents(req *EventsRequest, r *http.Request, params map[string]string) error {
	req.AccountID = params["account_id"]
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid limit %q", raw)
		}
		req.Limit = limit
	}
	return nil
}

func bindOracle(req *OracleRequest, _ *http.Request, params map[string]string) error {
	req.Oracle = params["oracle"]
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
