package checkoutv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "checkout.v1.CheckoutService"

const (
	CheckoutService_ApplyCartLine_FullMethodName    = "/checkout.v1.CheckoutService/ApplyCartLine"
	CheckoutService_GetCart_FullMethodName          = "/checkout.v1.CheckoutService/GetCart"
	CheckoutService_ValidateLines_FullMethodName    = "/checkout.v1.CheckoutService/ValidateLines"
	CheckoutService_CommitOrder_FullMethodName      = "/checkout.v1.CheckoutService/CommitOrder"
	CheckoutService_CheckoutCart_FullMethodName     = "/checkout.v1.CheckoutService/CheckoutCart"
	CheckoutService_UpdateOrderLines_FullMethodName = "/checkout.v1.CheckoutService/UpdateOrderLines"
	CheckoutService_ConfirmPayment_FullMethodName   = "/checkout.v1.CheckoutService/ConfirmPayment"
	CheckoutService_TransitionOrder_FullMethodName  = "/checkout.v1.CheckoutService/TransitionOrder"
	CheckoutService_GetOrder_FullMethodName         = "/checkout.v1.CheckoutService/GetOrder"
	CheckoutService_ListOrders_FullMethodName       = "/checkout.v1.CheckoutService/ListOrders"
	CheckoutService_RestockSKU_FullMethodName       = "/checkout.v1.CheckoutService/RestockSKU"
)

// CheckoutServiceServer: серверная часть API.
type CheckoutServiceServer interface {
	ApplyCartLine(context.Context, *ApplyCartLineRequest) (*ApplyCartLineResponse, error)
	GetCart(context.Context, *GetCartRequest) (*GetCartResponse, error)
	ValidateLines(context.Context, *ValidateLinesRequest) (*ValidateLinesResponse, error)
	CommitOrder(context.Context, *CommitOrderRequest) (*CommitOrderResponse, error)
	CheckoutCart(context.Context, *CheckoutCartRequest) (*CheckoutCartResponse, error)
	UpdateOrderLines(context.Context, *UpdateOrderLinesRequest) (*UpdateOrderLinesResponse, error)
	ConfirmPayment(context.Context, *ConfirmPaymentRequest) (*ConfirmPaymentResponse, error)
	TransitionOrder(context.Context, *TransitionOrderRequest) (*TransitionOrderResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	RestockSKU(context.Context, *RestockSKURequest) (*RestockSKUResponse, error)
}

// UnimplementedCheckoutServiceServer отвечает Unimplemented на все методы.
type UnimplementedCheckoutServiceServer struct{}

func (UnimplementedCheckoutServiceServer) ApplyCartLine(context.Context, *ApplyCartLineRequest) (*ApplyCartLineResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ApplyCartLine not implemented")
}
func (UnimplementedCheckoutServiceServer) GetCart(context.Context, *GetCartRequest) (*GetCartResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetCart not implemented")
}
func (UnimplementedCheckoutServiceServer) ValidateLines(context.Context, *ValidateLinesRequest) (*ValidateLinesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ValidateLines not implemented")
}
func (UnimplementedCheckoutServiceServer) CommitOrder(context.Context, *CommitOrderRequest) (*CommitOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CommitOrder not implemented")
}
func (UnimplementedCheckoutServiceServer) CheckoutCart(context.Context, *CheckoutCartRequest) (*CheckoutCartResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CheckoutCart not implemented")
}
func (UnimplementedCheckoutServiceServer) UpdateOrderLines(context.Context, *UpdateOrderLinesRequest) (*UpdateOrderLinesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method UpdateOrderLines not implemented")
}
func (UnimplementedCheckoutServiceServer) ConfirmPayment(context.Context, *ConfirmPaymentRequest) (*ConfirmPaymentResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ConfirmPayment not implemented")
}
func (UnimplementedCheckoutServiceServer) TransitionOrder(context.Context, *TransitionOrderRequest) (*TransitionOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method TransitionOrder not implemented")
}
func (UnimplementedCheckoutServiceServer) GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrder not implemented")
}
func (UnimplementedCheckoutServiceServer) ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListOrders not implemented")
}
func (UnimplementedCheckoutServiceServer) RestockSKU(context.Context, *RestockSKURequest) (*RestockSKUResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RestockSKU not implemented")
}

// RegisterCheckoutServiceServer регистрирует реализацию на gRPC-сервере.
func RegisterCheckoutServiceServer(s grpc.ServiceRegistrar, srv CheckoutServiceServer) {
	s.RegisterService(&CheckoutService_ServiceDesc, srv)
}

// unaryHandler строит grpc.MethodHandler для метода с запросом Req.
func unaryHandler[Req any, Resp any](
	fullMethod string,
	call func(CheckoutServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CheckoutServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CheckoutServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CheckoutService_ServiceDesc: описание сервиса для grpc.Server.
var CheckoutService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ApplyCartLine", Handler: unaryHandler(CheckoutService_ApplyCartLine_FullMethodName, CheckoutServiceServer.ApplyCartLine)},
		{MethodName: "GetCart", Handler: unaryHandler(CheckoutService_GetCart_FullMethodName, CheckoutServiceServer.GetCart)},
		{MethodName: "ValidateLines", Handler: unaryHandler(CheckoutService_ValidateLines_FullMethodName, CheckoutServiceServer.ValidateLines)},
		{MethodName: "CommitOrder", Handler: unaryHandler(CheckoutService_CommitOrder_FullMethodName, CheckoutServiceServer.CommitOrder)},
		{MethodName: "CheckoutCart", Handler: unaryHandler(CheckoutService_CheckoutCart_FullMethodName, CheckoutServiceServer.CheckoutCart)},
		{MethodName: "UpdateOrderLines", Handler: unaryHandler(CheckoutService_UpdateOrderLines_FullMethodName, CheckoutServiceServer.UpdateOrderLines)},
		{MethodName: "ConfirmPayment", Handler: unaryHandler(CheckoutService_ConfirmPayment_FullMethodName, CheckoutServiceServer.ConfirmPayment)},
		{MethodName: "TransitionOrder", Handler: unaryHandler(CheckoutService_TransitionOrder_FullMethodName, CheckoutServiceServer.TransitionOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(CheckoutService_GetOrder_FullMethodName, CheckoutServiceServer.GetOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler(CheckoutService_ListOrders_FullMethodName, CheckoutServiceServer.ListOrders)},
		{MethodName: "RestockSKU", Handler: unaryHandler(CheckoutService_RestockSKU_FullMethodName, CheckoutServiceServer.RestockSKU)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkout/v1/checkout.json",
}

// CheckoutServiceClient описывает клиент API. Все вызовы идут с content-subtype json.
type CheckoutServiceClient interface {
	ApplyCartLine(ctx context.Context, in *ApplyCartLineRequest, opts ...grpc.CallOption) (*ApplyCartLineResponse, error)
	GetCart(ctx context.Context, in *GetCartRequest, opts ...grpc.CallOption) (*GetCartResponse, error)
	ValidateLines(ctx context.Context, in *ValidateLinesRequest, opts ...grpc.CallOption) (*ValidateLinesResponse, error)
	CommitOrder(ctx context.Context, in *CommitOrderRequest, opts ...grpc.CallOption) (*CommitOrderResponse, error)
	CheckoutCart(ctx context.Context, in *CheckoutCartRequest, opts ...grpc.CallOption) (*CheckoutCartResponse, error)
	UpdateOrderLines(ctx context.Context, in *UpdateOrderLinesRequest, opts ...grpc.CallOption) (*UpdateOrderLinesResponse, error)
	ConfirmPayment(ctx context.Context, in *ConfirmPaymentRequest, opts ...grpc.CallOption) (*ConfirmPaymentResponse, error)
	TransitionOrder(ctx context.Context, in *TransitionOrderRequest, opts ...grpc.CallOption) (*TransitionOrderResponse, error)
	GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error)
	ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error)
	RestockSKU(ctx context.Context, in *RestockSKURequest, opts ...grpc.CallOption) (*RestockSKUResponse, error)
}

type checkoutServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewCheckoutServiceClient создаёт клиент поверх соединения.
func NewCheckoutServiceClient(cc grpc.ClientConnInterface) CheckoutServiceClient {
	return &checkoutServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *checkoutServiceClient) ApplyCartLine(ctx context.Context, in *ApplyCartLineRequest, opts ...grpc.CallOption) (*ApplyCartLineResponse, error) {
	return invoke[ApplyCartLineResponse](ctx, c.cc, CheckoutService_ApplyCartLine_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) GetCart(ctx context.Context, in *GetCartRequest, opts ...grpc.CallOption) (*GetCartResponse, error) {
	return invoke[GetCartResponse](ctx, c.cc, CheckoutService_GetCart_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) ValidateLines(ctx context.Context, in *ValidateLinesRequest, opts ...grpc.CallOption) (*ValidateLinesResponse, error) {
	return invoke[ValidateLinesResponse](ctx, c.cc, CheckoutService_ValidateLines_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) CommitOrder(ctx context.Context, in *CommitOrderRequest, opts ...grpc.CallOption) (*CommitOrderResponse, error) {
	return invoke[CommitOrderResponse](ctx, c.cc, CheckoutService_CommitOrder_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) CheckoutCart(ctx context.Context, in *CheckoutCartRequest, opts ...grpc.CallOption) (*CheckoutCartResponse, error) {
	return invoke[CheckoutCartResponse](ctx, c.cc, CheckoutService_CheckoutCart_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) UpdateOrderLines(ctx context.Context, in *UpdateOrderLinesRequest, opts ...grpc.CallOption) (*UpdateOrderLinesResponse, error) {
	return invoke[UpdateOrderLinesResponse](ctx, c.cc, CheckoutService_UpdateOrderLines_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) ConfirmPayment(ctx context.Context, in *ConfirmPaymentRequest, opts ...grpc.CallOption) (*ConfirmPaymentResponse, error) {
	return invoke[ConfirmPaymentResponse](ctx, c.cc, CheckoutService_ConfirmPayment_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) TransitionOrder(ctx context.Context, in *TransitionOrderRequest, opts ...grpc.CallOption) (*TransitionOrderResponse, error) {
	return invoke[TransitionOrderResponse](ctx, c.cc, CheckoutService_TransitionOrder_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error) {
	return invoke[GetOrderResponse](ctx, c.cc, CheckoutService_GetOrder_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	return invoke[ListOrdersResponse](ctx, c.cc, CheckoutService_ListOrders_FullMethodName, in, opts)
}

func (c *checkoutServiceClient) RestockSKU(ctx context.Context, in *RestockSKURequest, opts ...grpc.CallOption) (*RestockSKUResponse, error) {
	return invoke[RestockSKUResponse](ctx, c.cc, CheckoutService_RestockSKU_FullMethodName, in, opts)
}
