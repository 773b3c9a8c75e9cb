package rpc

import (
	"context"

	"google.golang.org/grpc"
)

type SpawnRequest struct {
	SandboxID   int    `json:"sandbox_id"`
	Application string `json:"application"`
	Environment string `json:"environment"`
}

type MemoryResponse struct {
	UsedMemoryMB float64 `json:"used_memory_mb"`
}

type SandboxRequest struct {
	SandboxID int `json:"sandbox_id"`
}

// WorkerServer is implemented by pkg/worker and registered against a
// grpc.Server via RegisterWorkerServer.
type WorkerServer interface {
	Spawn(context.Context, *SpawnRequest) (*MemoryResponse, error)
	Restart(context.Context, *SandboxRequest) (*MemoryResponse, error)
	Restore(context.Context, *SandboxRequest) (*MemoryResponse, error)
	Purge(context.Context, *SandboxRequest) (*MemoryResponse, error)
	Terminate(context.Context, *Ack) (*Ack, error)
}

var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: "dedupd.Worker",
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Spawn", Handler: workerSpawnHandler},
		{MethodName: "Restart", Handler: workerRestartHandler},
		{MethodName: "Restore", Handler: workerRestoreHandler},
		{MethodName: "Purge", Handler: workerPurgeHandler},
		{MethodName: "Terminate", Handler: workerTerminateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dedupd/worker.proto",
}

func workerSpawnHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SpawnRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Spawn(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Worker/Spawn"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Spawn(ctx, req.(*SpawnRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func workerRestartHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SandboxRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Restart(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Worker/Restart"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Restart(ctx, req.(*SandboxRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func workerRestoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SandboxRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Restore(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Worker/Restore"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Restore(ctx, req.(*SandboxRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func workerPurgeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SandboxRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Purge(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Worker/Purge"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Purge(ctx, req.(*SandboxRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func workerTerminateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(Ack)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Terminate(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dedupd.Worker/Terminate"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Terminate(ctx, req.(*Ack))
	}
	return interceptor(ctx, req, info, handler)
}

// RegisterWorkerServer registers srv on s, as grpc generated code would.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// WorkerClient is the hand-written client stub.
type WorkerClient struct {
	cc *grpc.ClientConn
}

func NewWorkerClient(cc *grpc.ClientConn) *WorkerClient {
	return &WorkerClient{cc: cc}
}

func (c *WorkerClient) Spawn(ctx context.Context, req *SpawnRequest) (*MemoryResponse, error) {
	resp := new(MemoryResponse)
	err := c.cc.Invoke(ctx, "/dedupd.Worker/Spawn", req, resp, callOpts()...)
	return resp, err
}

func (c *WorkerClient) Restart(ctx context.Context, req *SandboxRequest) (*MemoryResponse, error) {
	resp := new(MemoryResponse)
	err := c.cc.Invoke(ctx, "/dedupd.Worker/Restart", req, resp, callOpts()...)
	return resp, err
}

func (c *WorkerClient) Restore(ctx context.Context, req *SandboxRequest) (*MemoryResponse, error) {
	resp := new(MemoryResponse)
	err := c.cc.Invoke(ctx, "/dedupd.Worker/Restore", req, resp, callOpts()...)
	return resp, err
}

func (c *WorkerClient) Purge(ctx context.Context, req *SandboxRequest) (*MemoryResponse, error) {
	resp := new(MemoryResponse)
	err := c.cc.Invoke(ctx, "/dedupd.Worker/Purge", req, resp, callOpts()...)
	return resp, err
}

func (c *WorkerClient) Terminate(ctx context.Context, req *Ack) (*Ack, error) {
	resp := new(Ack)
	err := c.cc.Invoke(ctx, "/dedupd.Worker/Terminate", req, resp, callOpts()...)
	return resp, err
}

// DialOptions returns the client dial options needed to use the json codec
// by default, so callers don't need to remember CallContentSubtype on every
// Invoke made outside this package (e.g. streaming helpers added later).
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
}
