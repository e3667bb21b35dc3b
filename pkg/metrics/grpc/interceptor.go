package grpc

import (
	"context"
	"time"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

func statusLabel(err error) string {
	if err == nil {
		return "OK"
	}
	return status.Code(err).String()
}

// UnaryServerInterceptor records unary call metrics under serviceName.
func UnaryServerInterceptor(serviceName string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.RecordRequest(serviceName, info.FullMethod, statusLabel(err), time.Since(start))
		return resp, err
	}
}

// StreamServerInterceptor records streaming call metrics (health Watch streams included).
func StreamServerInterceptor(serviceName string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		metrics.RecordRequest(serviceName, info.FullMethod, statusLabel(err), time.Since(start))
		return err
	}
}
