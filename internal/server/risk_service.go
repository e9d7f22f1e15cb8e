package server

import (
	"context"
	"errors"
	"fmt"

	"MarginRisk/internal/core"
	"MarginRisk/internal/ingestion"
	"MarginRisk/internal/query"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "marginrisk.v1.RiskService"

// RiskServiceServer is the gRPC surface. Queries are read-only; the rest
// are administrative and unavailable when no admin service is configured.
type RiskServiceServer interface {
	GetHealth(context.Context, *AccountRequest) (*query.HealthResponse, error)
	GetAccount(context.Context, *AccountRequest) (*query.AccountResponse, error)
	MaxWithdraw(context.Context, *MaxWithdrawRequest) (*query.MaxWithdrawResponse, error)
	GetAccountEvents(context.Context, *EventsRequest) (*EventsResponse, error)
	VerifyIntegrity(context.Context, *IntegrityRequest) (*query.IntegrityReport, error)

	ExecuteBundle(context.Context, *RawRequest) (*BundleResponse, error)
	InjectOraclePrice(context.Context, *OracleRequest) (*OracleResponse, error)
	InjectFunding(context.Context, *RawRequest) (*Ack, error)
	RegisterBank(context.Context, *state.Bank) (*Ack, error)
	RegisterPerpMarket(context.Context, *state.PerpMarket) (*Ack, error)
	CreateAccount(context.Context, *CreateAccountRequest) (*AccountCreated, error)
	SyncOpenOrders(context.Context, *state.OpenOrders) (*Ack, error)
	FundInsurance(context.Context, *InsuranceRequest) (*InsuranceResponse, error)
}

// RiskServiceDesc is registered by hand in place of protoc output.
var RiskServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RiskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetHealth", RiskServiceServer.GetHealth),
		unary("GetAccount", RiskServiceServer.GetAccount),
		unary("MaxWithdraw", RiskServiceServer.MaxWithdraw),
		unary("GetAccountEvents", RiskServiceServer.GetAccountEvents),
		unary("VerifyIntegrity", RiskServiceServer.VerifyIntegrity),
		unary("ExecuteBundle", RiskServiceServer.ExecuteBundle),
		unary("InjectOraclePrice", RiskServiceServer.InjectOraclePrice),
		unary("InjectFunding", RiskServiceServer.InjectFunding),
		unary("RegisterBank", RiskServiceServer.RegisterBank),
		unary("RegisterPerpMarket", RiskServiceServer.RegisterPerpMarket),
		unary("CreateAccount", RiskServiceServer.CreateAccount),
		unary("SyncOpenOrders", RiskServiceServer.SyncOpenOrders),
		unary("FundInsurance", RiskServiceServer.FundInsurance),
	},
	Metadata: "marginrisk/v1/risk.json",
}

// FullMethod returns the gRPC method path of a RiskService method.
func FullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unary[Req, Resp any](method string, call func(RiskServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
			}
			handler := func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(srv.(RiskServiceServer), ctx, r.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// riskService adapts the query and admin services to RiskServiceServer.
type riskService struct {
	qs    *query.QueryService
	admin *ingestion.AdminIngestService
}

func (s *riskService) GetHealth(ctx context.Context, req *AccountRequest) (*query.HealthResponse, error) {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetHealth(ctx, id)
	return resp, toStatus(err)
}

func (s *riskService) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountResponse, error) {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetAccount(ctx, id)
	return resp, toStatus(err)
}

func (s *riskService) MaxWithdraw(ctx context.Context, req *MaxWithdrawRequest) (*query.MaxWithdrawResponse, error) {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.MaxWithdraw(ctx, id, state.TokenIndex(req.Token))
	return resp, toStatus(err)
}

func (s *riskService) GetAccountEvents(ctx context.Context, req *EventsRequest) (*EventsResponse, error) {
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	events, err := s.qs.GetAccountEvents(ctx, id, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	if events == nil {
		events = []query.EventResponse{}
	}
	return &EventsResponse{Events: events}, nil
}

func (s *riskService) VerifyIntegrity(ctx context.Context, _ *IntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	return report, toStatus(err)
}

func (s *riskService) ExecuteBundle(ctx context.Context, req *RawRequest) (*BundleResponse, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	res, err := s.admin.ExecuteBundle(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return newBundleResponse(res), nil
}

func (s *riskService) InjectOraclePrice(ctx context.Context, req *OracleRequest) (*OracleResponse, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	if req.Oracle == "" {
		return nil, status.Error(codes.InvalidArgument, "oracle is required")
	}
	upd, err := s.admin.InjectOraclePrice(ctx, req.Oracle, req.Price, req.Confidence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OracleResponse{Oracle: upd.Oracle, Sequence: upd.Sequence}, nil
}

func (s *riskService) InjectFunding(ctx context.Context, req *RawRequest) (*Ack, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	if _, err := s.admin.InjectFunding(ctx, *req); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Accepted: true}, nil
}

func (s *riskService) RegisterBank(ctx context.Context, req *state.Bank) (*Ack, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	return ack(s.admin.RegisterBank(ctx, req))
}

func (s *riskService) RegisterPerpMarket(ctx context.Context, req *state.PerpMarket) (*Ack, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	return ack(s.admin.RegisterPerpMarket(ctx, req))
}

func (s *riskService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*AccountCreated, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	acct, err := s.admin.CreateAccount(ctx, req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AccountCreated{AccountID: acct.ID, Owner: acct.Owner}, nil
}

func (s *riskService) SyncOpenOrders(ctx context.Context, req *state.OpenOrders) (*Ack, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	return ack(s.admin.SyncOpenOrders(ctx, req))
}

func (s *riskService) FundInsurance(ctx context.Context, req *InsuranceRequest) (*InsuranceResponse, error) {
	if s.admin == nil {
		return nil, errAdminDisabled
	}
	bal, err := s.admin.FundInsurance(ctx, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InsuranceResponse{Balance: bal}, nil
}

// ============================================================================
// Helpers
// ============================================================================

var errAdminDisabled = status.Error(codes.Unimplemented, "admin operations are disabled")

func ack(err error) (*Ack, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Accepted: true}, nil
}

func parseAccountID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account_id: %v", err)
	}
	return id, nil
}

// ErrorKind extends core.ErrorKind with the failures raised above the
// engine.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ingestion.ErrMalformed):
		return "Malformed"
	case errors.Is(err, query.ErrEventLogUnavailable):
		return "Unavailable"
	}
	return core.ErrorKind(err)
}

func codeForKind(kind string) codes.Code {
	switch kind {
	case "":
		return codes.OK
	case "AccountNotFound", "MissingRecord":
		return codes.NotFound
	case "Malformed", "InvalidInstruction", "InvalidWeights", "InvalidLiquidationPair":
		return codes.InvalidArgument
	case "NumericOverflow", "DivideByZero":
		return codes.OutOfRange
	case "Unavailable":
		return codes.Unavailable
	case "Internal":
		return codes.Internal
	default:
		return codes.FailedPrecondition
	}
}

// toStatus converts a domain error into a gRPC status whose message starts
// with the error kind. Errors that already carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := ErrorKind(err)
	return status.Error(codeForKind(kind), fmt.Sprintf("%s: %v", kind, err))
}
