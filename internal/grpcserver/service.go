package grpcserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "creditgen.v1.AdminService"

	// AdminTokenMetadataKey carries the operator shared secret.
	AdminTokenMetadataKey = "x-admin-token"

	MethodDeposit     = "Deposit"
	MethodAdjust      = "Adjust"
	MethodGetBalance  = "GetBalance"
	MethodListEntries = "ListEntries"
	MethodGetJob      = "GetJob"
	MethodReplay      = "Replay"

	errorUnauthenticated = "admin_token_required"
)

// AdminService is the handler set registered under ServiceName.
type AdminService interface {
	Deposit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Adjust(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Replay(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type structCall func(service AdminService, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodDeposit, Handler: unaryHandler(MethodDeposit, AdminService.Deposit)},
		{MethodName: MethodAdjust, Handler: unaryHandler(MethodAdjust, AdminService.Adjust)},
		{MethodName: MethodGetBalance, Handler: unaryHandler(MethodGetBalance, AdminService.GetBalance)},
		{MethodName: MethodListEntries, Handler: unaryHandler(MethodListEntries, AdminService.ListEntries)},
		{MethodName: MethodGetJob, Handler: unaryHandler(MethodGetJob, AdminService.GetJob)},
		{MethodName: MethodReplay, Handler: unaryHandler(MethodReplay, AdminService.Replay)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditgen/v1/admin.proto",
}

// RegisterAdminService attaches service to registrar.
func RegisterAdminService(registrar grpc.ServiceRegistrar, service AdminService) {
	registrar.RegisterService(&adminServiceDesc, service)
}

func unaryHandler(method string, call structCall) func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(AdminService), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(server.(AdminService), ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// AdminTokenInterceptor rejects calls that do not carry token in the x-admin-token metadata.
// An empty token disables the check.
func AdminTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	expected := []byte(strings.TrimSpace(token))
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(expected) == 0 {
			return handler(ctx, request)
		}
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(AdminTokenMetadataKey)
		if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), expected) != 1 {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		return handler(ctx, request)
	}
}

// Client calls the operator service with free-form requests.
type Client struct {
	connection grpc.ClientConnInterface
	adminToken string
}

// NewClient wraps an established connection.
func NewClient(connection grpc.ClientConnInterface, adminToken string) (*Client, error) {
	if connection == nil {
		return nil, errors.New("grpcserver: connection is required")
	}
	return &Client{connection: connection, adminToken: strings.TrimSpace(adminToken)}, nil
}

// Call invokes method with fields as the request and returns the response fields.
func (client *Client) Call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	if client.adminToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AdminTokenMetadataKey, client.adminToken)
	}
	response := new(structpb.Struct)
	if err := client.connection.Invoke(ctx, "/"+ServiceName+"/"+method, request, response); err != nil {
		return nil, err
	}
	return response.AsMap(), nil
}
