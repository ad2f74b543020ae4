package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tokenledger.v1.TokenLedger"

// Method names served under ServiceName.
const (
	MethodReserve          = "Reserve"
	MethodCommit           = "Commit"
	MethodRelease          = "Release"
	MethodExpire           = "Expire"
	MethodCredit           = "Credit"
	MethodAdjust           = "Adjust"
	MethodGetBalance       = "GetBalance"
	MethodListTransactions = "ListTransactions"
)

// TokenLedgerHandler is the server contract; every message is a google.protobuf.Struct.
type TokenLedgerHandler interface {
	Reserve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Commit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Expire(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Credit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Adjust(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(TokenLedgerHandler, context.Context, *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc describes TokenLedger for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TokenLedgerHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethodDesc(MethodReserve, TokenLedgerHandler.Reserve),
		unaryMethodDesc(MethodCommit, TokenLedgerHandler.Commit),
		unaryMethodDesc(MethodRelease, TokenLedgerHandler.Release),
		unaryMethodDesc(MethodExpire, TokenLedgerHandler.Expire),
		unaryMethodDesc(MethodCredit, TokenLedgerHandler.Credit),
		unaryMethodDesc(MethodAdjust, TokenLedgerHandler.Adjust),
		unaryMethodDesc(MethodGetBalance, TokenLedgerHandler.GetBalance),
		unaryMethodDesc(MethodListTransactions, TokenLedgerHandler.ListTransactions),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenledger/v1/token_ledger.proto",
}

// Register attaches handler to registrar.
func Register(registrar grpc.ServiceRegistrar, handler TokenLedgerHandler) {
	registrar.RegisterService(&ServiceDesc, handler)
}

func unaryMethodDesc(name string, method unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decode(request); err != nil {
				return nil, err
			}
			handler := srv.(TokenLedgerHandler)
			if interceptor == nil {
				return method(handler, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return method(handler, ctx, request.(*structpb.Struct))
			})
		},
	}
}

// Client calls TokenLedger over an established connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with fields as the request Struct.
func (client *Client) Call(ctx context.Context, method string, fields map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}
