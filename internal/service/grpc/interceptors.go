package grpcsvc

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader: metadata-ключ идентификатора запроса.
const RequestIDHeader = "x-request-id"

const redactedValue = "***"

var sensitiveKeys = []string{"authorization", "password", "token", "api-key", "apikey", "cookie", "secret"}

type requestIDKey struct{}

// RequestIDFromContext возвращает идентификатор запроса, выставленный интерсептором.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// UnaryServerInterceptor присваивает запросу request id, возвращает его в header
// и пишет строку лога с длительностью, кодом ответа и metadata без секретов.
func UnaryServerInterceptor(logger *log.Entry) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log.WithField("component", "grpc")
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		md, _ := metadata.FromIncomingContext(ctx)

		requestID := firstValue(md, RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

		resp, err := handler(ctx, req)

		entry := logger.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      info.FullMethod,
			"duration_ms": time.Since(started).Milliseconds(),
			"code":        status.Code(err).String(),
		})
		if userAgent := firstValue(md, "user-agent"); userAgent != "" {
			entry = entry.WithField("user_agent", userAgent)
		}
		if redacted := redactMetadata(md); len(redacted) > 0 {
			entry = entry.WithField("metadata", redacted)
		}

		if err != nil {
			entry.WithError(err).Warn("grpc request failed")
		} else {
			entry.Info("grpc request handled")
		}
		return resp, err
	}
}

func firstValue(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// redactMetadata копирует metadata для лога, заменяя значения чувствительных ключей на ***.
func redactMetadata(md metadata.MD) map[string]string {
	if len(md) == 0 {
		return nil
	}
	result := make(map[string]string, len(md))
	for key, values := range md {
		if strings.HasPrefix(key, ":") {
			continue
		}
		if isSensitiveKey(key) {
			result[key] = redactedValue
			continue
		}
		result[key] = strings.Join(values, ",")
	}
	return result
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(key, sensitive) {
			return true
		}
	}
	return false
}
