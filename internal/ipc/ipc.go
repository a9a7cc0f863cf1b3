// Package ipc exposes a small gRPC status/control surface over a unix
// socket so a separate client process (the CLI's `status`/`interrupt`
// subcommands) can observe and steer a running Scheduler, mirroring the
// teacher's daemon package (grpc.NewServer over a unix socket, recovery
// interceptor chain) without needing the turbo-specific file-watch/prune
// RPCs that package exposes.
//
// Status/Interrupt use google.protobuf.Struct/Empty as their wire types so
// this surface needs no generated .proto stubs: the well-known types ship
// pre-generated in google.golang.org/protobuf/types/known.
package ipc

import (
	"context"
	"net"
	"os"
	"sync"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/strataorch/strata/internal/scheduler"
)

const serviceName = "strata.ipc.Scheduler"

// StatusServer is the hand-declared RPC surface: Status reports the
// Recorder's current snapshot, Interrupt requests that the in-flight run
// abort (spec 4.8 unwatch/should_abort).
type StatusServer interface {
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Interrupt(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func interruptHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Interrupt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Interrupt"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).Interrupt(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Interrupt", Handler: interruptHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/ipc/ipc.go",
}

// RegisterStatusServer wires srv onto s using the hand-declared ServiceDesc.
func RegisterStatusServer(s *grpc.Server, srv StatusServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Recorder observes a Scheduler's Event stream and answers Status/Interrupt
// RPCs from it. It is safe for concurrent use: Observe is called from the
// goroutine draining the Scheduler's channel, Status/Interrupt from gRPC
// handler goroutines.
type Recorder struct {
	mu        sync.Mutex
	lastKind  string
	workspace string
	fromCache bool
	errText   string

	abort chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{abort: make(chan struct{}, 1)}
}

// Observe updates the snapshot from one Scheduler event.
func (r *Recorder) Observe(ev scheduler.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastKind = string(ev.Kind)
	r.workspace = ev.Workspace
	r.fromCache = ev.FromCache
	if ev.Err != nil {
		r.errText = ev.Err.Error()
	}
}

// Aborted returns a channel that receives after an Interrupt call,
// analogous to the Scheduler's should_abort broadcast (spec 4.8/5). It holds
// at most one pending signal: Interrupt calls made while a signal is still
// unread add nothing.
func (r *Recorder) Aborted() <-chan struct{} {
	return r.abort
}

// Status implements StatusServer.
func (r *Recorder) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	r.mu.Lock()
	snapshot := map[string]interface{}{
		"last_event": r.lastKind,
		"workspace":  r.workspace,
		"from_cache": r.fromCache,
		"error":      r.errText,
	}
	r.mu.Unlock()

	s, err := structpb.NewStruct(snapshot)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building status struct: %v", err)
	}
	return s, nil
}

// Interrupt implements StatusServer.
func (r *Recorder) Interrupt(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	select {
	case r.abort <- struct{}{}:
	default:
	}
	return &emptypb.Empty{}, nil
}

// Server wraps a grpc.Server bound to a unix socket, with a panic-recovery
// interceptor chained in front of every call (grounded on the teacher's
// daemon.Run, which chains grpc_recovery.UnaryServerInterceptor the same
// way).
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	SockPath   string
}

// Listen removes any stale socket at sockPath and binds a new unix listener.
func Listen(sockPath string, logger hclog.Logger, recorder *Recorder) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	panicHandler := func(p interface{}) error {
		logger.Error("ipc handler panicked", "panic", p)
		return status.Error(codes.Internal, "ipc server panicked")
	}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(panicHandler)),
		),
	)
	RegisterStatusServer(s, recorder)

	return &Server{grpcServer: s, listener: lis, SockPath: sockPath}, nil
}

// Serve blocks, accepting RPCs until GracefulStop is called or Serve fails.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop stops accepting new RPCs and waits for in-flight ones to
// finish, then removes the socket file.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
	os.Remove(s.SockPath)
}

// Client is a thin hand-written stub (standing in for protoc-gen-go-grpc
// output) over a unix-socket connection to a Server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the unix socket at sockPath.
func Dial(ctx context.Context, sockPath string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, "unix:"+sockPath, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status invokes the Status RPC.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Interrupt invokes the Interrupt RPC.
func (c *Client) Interrupt(ctx context.Context) error {
	out := new(emptypb.Empty)
	return c.conn.Invoke(ctx, "/"+serviceName+"/Interrupt", &emptypb.Empty{}, out)
}
