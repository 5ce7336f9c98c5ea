package grpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"btc-minter/internal/handler"
	"btc-minter/internal/handler/request"
	"btc-minter/internal/minter"
	"btc-minter/pkg/errno"
	pkgvalidator "btc-minter/pkg/validator"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 没有 .proto 代码生成，请求与响应都是 google.protobuf.Struct
const ServiceName = "btcminter.v1.Minter"

// CallerMetadataKey 对应 HTTP 的 X-Caller-Principal
const CallerMetadataKey = "x-caller-principal"

// MinterRPC 是注册到 gRPC 的方法集合
type MinterRPC interface {
	GetBtcAddress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	UpdateBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RetrieveBtc(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RetrieveBtcStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetMinterInfo(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	EstimateWithdrawalFee(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Configure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// MinterServer 实现 MinterRPC
type MinterServer struct {
	svc      handler.MinterService
	admin    handler.AdminService
	validate *validator.Validate
	log      *zap.Logger
}

func NewMinterServer(svc handler.MinterService, admin handler.AdminService, validate *validator.Validate, log *zap.Logger) *MinterServer {
	return &MinterServer{svc: svc, admin: admin, validate: validate, log: log.Named("grpc")}
}

// Register 注册服务
func Register(s *grpc.Server, srv MinterRPC) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MinterRPC)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetBtcAddress", MinterRPC.GetBtcAddress),
		unary("UpdateBalance", MinterRPC.UpdateBalance),
		unary("RetrieveBtc", MinterRPC.RetrieveBtc),
		unary("RetrieveBtcStatus", MinterRPC.RetrieveBtcStatus),
		unary("GetMinterInfo", MinterRPC.GetMinterInfo),
		unary("EstimateWithdrawalFee", MinterRPC.EstimateWithdrawalFee),
		unary("Configure", MinterRPC.Configure),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "btcminter/v1/minter.proto",
}

type rpcMethod func(MinterRPC, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn rpcMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(MinterRPC), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(MinterRPC), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func callerFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(CallerMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

// decode 把 Struct 转成请求结构体并按 binding tag 校验
func (s *MinterServer) decode(in *structpb.Struct, out interface{}) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return toStatus(errno.ErrBind.WithMessage(err.Error()))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return toStatus(errno.ErrBind.WithMessage(err.Error()))
	}
	if s.validate != nil {
		if err := s.validate.Struct(out); err != nil {
			return toStatus(errno.ErrBind.WithMessage(pkgvalidator.GetErrorMsg(err)))
		}
	}
	return nil
}

// toStruct 经过 JSON 转换，satoshi 金额远小于 2^53，不会丢精度
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func decodeSubaccount(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, toStatus(errno.ErrInvalidSubaccount)
	}
	return b, nil
}

func ownerPtr(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}

func (s *MinterServer) GetBtcAddress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req request.AccountQuery
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	sub, err := decodeSubaccount(req.Subaccount)
	if err != nil {
		return nil, err
	}
	addr, err := s.svc.GetBtcAddress(ctx, callerFrom(ctx), ownerPtr(req.Owner), sub)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]string{"address": addr})
}

func (s *MinterServer) UpdateBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req request.AccountQuery
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	sub, err := decodeSubaccount(req.Subaccount)
	if err != nil {
		return nil, err
	}
	statuses, err := s.svc.UpdateBalance(ctx, callerFrom(ctx), ownerPtr(req.Owner), sub)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"utxos": statuses})
}

func (s *MinterServer) RetrieveBtc(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req request.RetrieveBtcRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	sub, err := decodeSubaccount(req.FromSubaccount)
	if err != nil {
		return nil, err
	}
	ok, err := s.svc.RetrieveBtc(ctx, callerFrom(ctx), minter.RetrieveBtcArgs{
		Address:        req.Address,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		FromSubaccount: sub,
	})
	if err != nil {
		s.log.Warn("retrieve_btc 失败", zap.String("caller", callerFrom(ctx)), zap.Error(err))
		return nil, toStatus(err)
	}
	return toStruct(ok)
}

func (s *MinterServer) RetrieveBtcStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		BlockIndex uint64 `json:"block_index"`
	}
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	st, err := s.svc.RetrieveBtcStatus(req.BlockIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

func (s *MinterServer) GetMinterInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.svc.MinterInfo())
}

func (s *MinterServer) EstimateWithdrawalFee(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Amount *uint64 `json:"amount"`
	}
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	fee, err := s.svc.EstimateWithdrawalFee(ctx, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(fee)
}

func (s *MinterServer) Configure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.admin == nil {
		return nil, status.Error(codes.Unimplemented, "configure is not exposed")
	}
	var req request.ConfigureRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	args, err := handler.ToUpgradeArgs(&req)
	if err != nil {
		return nil, toStatus(err)
	}
	warnings, err := s.admin.Configure(ctx, callerFrom(ctx), args)
	if err != nil {
		return nil, toStatus(err)
	}
	if warnings == nil {
		warnings = []string{}
	}
	return toStruct(map[string]interface{}{"warnings": warnings})
}

var grpcCodes = map[int]codes.Code{
	errno.ErrBind.Code:                   codes.InvalidArgument,
	errno.ErrUnauthorized.Code:           codes.PermissionDenied,
	errno.ErrDatabase.Code:               codes.Internal,
	errno.ErrTemporarilyUnavailable.Code: codes.Unavailable,
	errno.ErrAlreadyProcessing.Code:      codes.Aborted,
	errno.ErrInsufficientFunds.Code:      codes.FailedPrecondition,
	errno.ErrMalformedAddress.Code:       codes.InvalidArgument,
	errno.ErrAmountTooLow.Code:           codes.InvalidArgument,
	errno.ErrSelfCustody.Code:            codes.PermissionDenied,
	errno.ErrNoNewUtxos.Code:             codes.FailedPrecondition,
	errno.ErrGeneric.Code:                codes.Unknown,
	errno.ErrInvalidSubaccount.Code:      codes.InvalidArgument,
	errno.ErrNotFound.Code:               codes.NotFound,
	errno.ErrInvalidConfig.Code:          codes.InvalidArgument,
	errno.ErrInvariantViolation.Code:     codes.Internal,
}

// toStatus 业务错误码放在 status details 里，客户端可以还原成 errno
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, msg := errno.Decode(err)
	gc, ok := grpcCodes[code]
	if !ok {
		gc = codes.Internal
	}
	detail := map[string]interface{}{"code": code, "msg": msg}
	var noNew *minter.NoNewUtxosError
	if errors.As(err, &noNew) {
		detail["current_confirmations"] = noNew.CurrentConfirmations
		detail["required_confirmations"] = noNew.RequiredConfirmations
	}
	st := status.New(gc, msg)
	if d, derr := toStruct(detail); derr == nil {
		if withDetails, werr := st.WithDetails(d); werr == nil {
			st = withDetails
		}
	}
	return st.Err()
}
