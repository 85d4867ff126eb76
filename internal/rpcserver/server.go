// ============================================================================
// sjs RPC Server - gRPC 遠端狀態服務
// ============================================================================
//
// Package: internal/rpcserver
// 文件: server.go
// 功能: 以 gRPC 提供 stat 快照與標準健康檢查，供遠端排程端查詢容量
//
// 服務:
//   sjs.v1.Scheduler/Stat          google.protobuf.Empty → google.protobuf.Struct
//   grpc.health.v1.Health/Check     SERVING，直到伺服器停止
//
// Struct 的欄位與 FIFO stat 回應的 JSON 完全相同，客戶端可直接解成 protocol.Reply。
// 服務描述以手寫 grpc.ServiceDesc 註冊，訊息型別全部來自 well-known types。
//
// ============================================================================

package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/sjs/internal/protocol"
)

const (
	// ServiceName 完整服務名稱
	ServiceName = "sjs.v1.Scheduler"
	// StatMethod Stat 的完整方法路徑
	StatMethod = "/" + ServiceName + "/Stat"
)

// StatSource provides the daemon's current status snapshot.
type StatSource interface {
	Stat() protocol.StatResponse
}

// SchedulerServer is the server API for the sjs.v1.Scheduler service.
type SchedulerServer interface {
	Stat(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var schedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stat", Handler: statHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sjs/v1/scheduler.proto",
}

func statHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).Stat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SchedulerServer).Stat(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterSchedulerServer registers the service on s.
func RegisterSchedulerServer(s grpc.ServiceRegistrar, srv SchedulerServer) {
	s.RegisterService(&schedulerServiceDesc, srv)
}

// ============================================================================
// 服務實作
// ============================================================================

type scheduler struct {
	src StatSource
}

// Stat implements SchedulerServer.
func (s *scheduler) Stat(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.src.Stat())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stat: %v", err)
	}
	return out, nil
}

// toStruct 透過 JSON 轉換，保證欄位名稱與 FIFO 回應一致
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// ============================================================================
// 伺服器
// ============================================================================

// Server gRPC 伺服器
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	ln     net.Listener
	logger *slog.Logger
}

// New 建立伺服器並註冊 Scheduler 與 Health 服務
func New(addr string, src StatSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpcserver")

	gs := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	RegisterSchedulerServer(gs, &scheduler{src: src})

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{addr: addr, grpc: gs, health: hs, logger: logger}
}

// Start 開始監聽並在背景提供服務
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	go s.Serve(ln)
	s.logger.Info("RPC endpoint listening", "addr", ln.Addr().String())
	return nil
}

// Serve 在指定 listener 上提供服務（測試用 bufconn）
func (s *Server) Serve(ln net.Listener) {
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.logger.Error("RPC server stopped", "error", err)
	}
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop 標記 NOT_SERVING 後優雅關閉
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("RPC handled",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}
