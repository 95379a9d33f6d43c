//go:build grpc
// +build grpc

package grpcapi

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/usage"
)

// CorrelationIDInterceptor generates or reads correlation ID from metadata
// Mirrors HTTP CorrelationMiddleware behavior
func CorrelationIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		corrHeaders := md.Get("x-correlation-id")

		var corrID string
		if len(corrHeaders) > 0 && corrHeaders[0] != "" {
			corrID = corrHeaders[0]
		} else {
			corrID = uuid.New().String()
		}

		logger := log.With().Str("correlation_id", corrID).Str("grpc_method", info.FullMethod).Logger()
		ctx = logger.WithContext(ctx)

		logger.Debug().Msg("grpc_request_started")

		resp, err := handler(ctx, req)

		if err != nil {
			logger.Warn().Err(err).Msg("grpc_request_failed")
		} else {
			logger.Debug().Msg("grpc_request_completed")
		}

		return resp, err
	}
}

// credentialsFromMD pulls the two accepted credential kinds off incoming
// metadata, matching the HTTP header convention.
func credentialsFromMD(md metadata.MD) (bearer, apiKey string) {
	if vals := md.Get("authorization"); len(vals) > 0 {
		if h := vals[0]; len(h) > 7 && h[:7] == "Bearer " {
			bearer = h[7:]
		}
	}
	if vals := md.Get("x-api-key"); len(vals) > 0 {
		apiKey = vals[0]
	}
	return bearer, apiKey
}

func authenticate(ctx context.Context, gate *auth.Gate) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	bearer, apiKey := credentialsFromMD(md)
	id, err := gate.Authenticate(ctx, bearer, apiKey)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) || errors.Is(err, auth.ErrExpired) {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		log.Ctx(ctx).Error().Err(err).Msg("authentication failed")
		return nil, status.Error(codes.Internal, "authentication failed")
	}

	logger := log.Ctx(ctx).With().
		Str("tenant_id", id.Principal.TenantID.String()).
		Str("principal_id", id.Principal.ID.String()).
		Logger()
	return logger.WithContext(auth.WithIdentity(ctx, id)), nil
}

// AuthInterceptor resolves credentials from metadata and attaches the
// identity to the context. Mirrors HTTP auth.Middleware behavior.
func AuthInterceptor(gate *auth.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := authenticate(ctx, gate)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming twin of AuthInterceptor.
func StreamAuthInterceptor(gate *auth.Gate) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), gate)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// QuotaInterceptor charges one request plus the request message size
// against the tenant's RPC buckets.
func QuotaInterceptor(engine *quota.Engine) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id, ok := auth.IdentityFrom(ctx)
		if !ok {
			return nil, status.Error(codes.Internal, "no identity in context")
		}

		bytes := 0
		if m, ok := req.(proto.Message); ok {
			bytes = proto.Size(m)
		}

		decision, err := engine.TryConsume(ctx, id.Principal.TenantID, quota.SurfaceRPC, bytes, quota.LimitsFor(id.Tenant))
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("quota check failed")
			return nil, status.Error(codes.Internal, "quota check failed")
		}
		if !decision.Allowed {
			return nil, status.Errorf(codes.ResourceExhausted,
				"rate limit exceeded, retry after %d seconds", int(decision.RetryAfter.Seconds()))
		}
		return handler(ctx, req)
	}
}

// UsageInterceptor emits one usage record per completed unary call.
func UsageInterceptor(emitter *usage.Emitter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)

		if id, ok := auth.IdentityFrom(ctx); ok {
			bytes := 0
			if m, ok := resp.(proto.Message); ok {
				bytes = proto.Size(m)
			}
			principalID := id.Principal.ID
			emitter.Emit(id.Principal.TenantID, &principalID, string(quota.SurfaceRPC), info.FullMethod, bytes)
		}
		return resp, err
	}
}

// RecoveryInterceptor recovers from panics and returns Internal error
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Ctx(ctx).Error().
					Interface("panic", r).
					Str("method", info.FullMethod).
					Msg("panic recovered in gRPC handler")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
