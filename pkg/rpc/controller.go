package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Controller message types. Plain Go structs carried by jsonCodec; there is
// no generated .pb.go because this build has no protoc step.

type GetDecisionRequest struct {
	SandboxID int `json:"sandbox_id"`
}

type GetDecisionResponse struct {
	Decision string `json:"decision"` // "base" | "dedup" | "warm" | "purge"
}

type PagePayload struct {
	Addr     uint64   `json:"addr"`
	RegionID int32    `json:"region_id"`
	Hashes   [][]byte `json:"hashes"`
}

type RegisterPagesRequest struct {
	SandboxID int           `json:"sandbox_id"`
	MachineID int           `json:"machine_id"`
	Payload   []PagePayload `json:"payload"`
}

type Ack struct {
	OK bool `json:"ok"`
}

type BasePage struct {
	Addr      uint64 `json:"addr"`
	MachineID int    `json:"machine_id"`
	RegionID  int32  `json:"region_id"`
	BaseAddr  uint64 `json:"base_addr"`
}

type GetBaseContainersResponse struct {
	BasePages []BasePage `json:"base_pages"`
}

type UpdateStatusRequest struct {
	SandboxID int    `json:"sandbox_id"`
	Status    string `json:"status"` // "base" | "dedup" | "warm"
}

type UpdateAvailableMemoryRequest struct {
	MachineID     int     `json:"machine_id"`
	UsedMemoryMB  float64 `json:"used_memory_mb"`
}

type BlacklistRequest struct {
	SandboxID int `json:"sandbox_id"`
}

// ControllerServer is implemented by pkg/controller and registered against
// a grpc.Server via RegisterControllerServer.
type ControllerServer interface {
	GetDecision(context.Context, *GetDecisionRequest) (*GetDecisionResponse, error)
	RegisterPages(context.Context, *RegisterPagesRequest) (*Ack, error)
	GetBaseContainers(context.Context, *RegisterPagesRequest) (*GetBaseContainersResponse, error)
	UpdateStatus(context.Context, *UpdateStatusRequest) (*Ack, error)
	UpdateAvailableMemory(context.Context, *UpdateAvailableMemoryRequest) (*Ack, error)
	Blacklist(context.Context, *BlacklistRequest) (*Ack, error)
}

// ControllerServiceDesc is the hand-written equivalent of a generated
// _ServiceDesc: method names and handlers wired directly to the Go
// interface above instead of to protoc-generated code.
var ControllerServiceDesc = grpc.ServiceDesc{
	ServiceName: "dedupd.Controller",
	HandlerType: (*ControllerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetDecision", Handler: controllerGetDecisionHandler},
		{MethodName: "RegisterPages", Handler: controllerRegisterPagesHandler},
		{MethodName: "GetBaseContainers", Handler: controllerGetBaseContainersHandler},
		{MethodName: "UpdateStatus", Handler: controllerUpdateStatusHandler},
		{MethodName: "UpdateAvailableMemory", Handler: controllerUpdateAvailableMemoryHandler},
		{MethodName: "Blacklist", Handler: controllerBlacklistHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dedupd/controller.proto",
}

func controllerGetDecisionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetDecisionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).GetDecision(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Controller/GetDecision"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControllerServer).GetDecision(ctx, req.(*GetDecisionRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func controllerRegisterPagesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterPagesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).RegisterPages(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Controller/RegisterPages"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControllerServer).RegisterPages(ctx, req.(*RegisterPagesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func controllerGetBaseContainersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterPagesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).GetBaseContainers(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Controller/GetBaseContainers"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControllerServer).GetBaseContainers(ctx, req.(*RegisterPagesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func controllerUpdateStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(UpdateStatusRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).UpdateStatus(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Controller/UpdateStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControllerServer).UpdateStatus(ctx, req.(*UpdateStatusRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func controllerUpdateAvailableMemoryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(UpdateAvailableMemoryRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).UpdateAvailableMemory(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Controller/UpdateAvailableMemory"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControllerServer).UpdateAvailableMemory(ctx, req.(*UpdateAvailableMemoryRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func controllerBlacklistHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(BlacklistRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).Blacklist(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Controller/Blacklist"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControllerServer).Blacklist(ctx, req.(*BlacklistRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// RegisterControllerServer registers srv on s, as grpc generated code would.
func RegisterControllerServer(s grpc.ServiceRegistrar, srv ControllerServer) {
	s.RegisterService(&ControllerServiceDesc, srv)
}

// ControllerClient is the hand-written client stub, replacing a generated
// ControllerClient.
type ControllerClient struct {
	cc *grpc.ClientConn
}

func NewControllerClient(cc *grpc.ClientConn) *ControllerClient {
	return &ControllerClient{cc: cc}
}

func (c *ControllerClient) GetDecision(ctx context.Context, req *GetDecisionRequest) (*GetDecisionResponse, error) {
	resp := new(GetDecisionResponse)
	err := c.cc.Invoke(ctx, "/dedupd.Controller/GetDecision", req, resp, callOpts()...)
	return resp, err
}

func (c *ControllerClient) RegisterPages(ctx context.Context, req *RegisterPagesRequest) (*Ack, error) {
	resp := new(Ack)
	err := c.cc.Invoke(ctx, "/dedupd.Controller/RegisterPages", req, resp, callOpts()...)
	return resp, err
}

func (c *ControllerClient) GetBaseContainers(ctx context.Context, req *RegisterPagesRequest) (*GetBaseContainersResponse, error) {
	resp := new(GetBaseContainersResponse)
	err := c.cc.Invoke(ctx, "/dedupd.Controller/GetBaseContainers", req, resp, callOpts()...)
	return resp, err
}

func (c *ControllerClient) UpdateStatus(ctx context.Context, req *UpdateStatusRequest) (*Ack, error) {
	resp := new(Ack)
	err := c.cc.Invoke(ctx, "/dedupd.Controller/UpdateStatus", req, resp, callOpts()...)
	return resp, err
}

func (c *ControllerClient) UpdateAvailableMemory(ctx context.Context, req *UpdateAvailableMemoryRequest) (*Ack, error) {
	resp := new(Ack)
	err := c.cc.Invoke(ctx, "/dedupd.Controller/UpdateAvailableMemory", req, resp, callOpts()...)
	return resp, err
}

func (c *ControllerClient) Blacklist(ctx context.Context, req *BlacklistRequest) (*Ack, error) {
	resp := new(Ack)
	err := c.cc.Invoke(ctx, "/dedupd.Controller/Blacklist", req, resp, callOpts()...)
	return resp, err
}

func callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
}
