package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const idempotencyKeyHeader = "idempotency-key"

const replayedFailureMessage = "previous request with the same idempotency key failed"

// releasedCodes не фиксируются за ключом: повтор с тем же ключом выполняется заново.
var releasedCodes = map[codes.Code]bool{
	codes.Aborted:     true,
	codes.Unavailable: true,
	codes.Internal:    true,
}

var errNilIdempotentRequest = errors.New("request is nil")

// cachedFailure хранится в ResponseBody для ключей в статусе failed.
type cachedFailure struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (f cachedFailure) err() error {
	code, ok := codeFromInt(int(f.Code))
	if !ok || code == codes.OK {
		code = codes.Internal
	}
	msg := f.Message
	if msg == "" {
		msg = replayedFailureMessage
	}
	return status.Error(code, msg)
}

// idempotencyGuard связывает один вызов RPC с записью idempotency-ключа.
type idempotencyGuard struct {
	repo   domain.IdempotencyRepository
	key    string
	logger *log.Entry
}

// withIdempotency выполняет handler не больше одного раза на idempotency-key.
// Без ключа в metadata запрос обрабатывается как обычно.
func withIdempotency[T any](
	s *CheckoutService,
	ctx context.Context,
	method string,
	req any,
	handler func(context.Context) (*T, error),
) (*T, error) {
	key := readIdempotencyKey(ctx)
	if s.idemRepo == nil || key == "" {
		return handler(ctx)
	}

	hash, err := buildIdempotencyRequestHash(method, req)
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Warn("failed to hash idempotent request")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	g := &idempotencyGuard{
		repo:   s.idemRepo,
		key:    key,
		logger: s.logger.WithFields(log.Fields{"idempotency_key": key, "method": method}),
	}

	record, err := g.repo.CreateProcessing(key, hash, time.Now().UTC().Add(s.idempotencyTTL))
	if err != nil {
		var cached T
		if replayErr := g.replay(err, record, &cached); replayErr != nil {
			return nil, replayErr
		}
		return &cached, nil
	}

	resp, runErr := handler(ctx)
	g.finish(resp, runErr)
	return resp, runErr
}

// replay переводит занятый ключ в ответ клиенту: сохранённый результат,
// сохранённую ошибку или Aborted, пока первый запрос ещё выполняется.
func (g *idempotencyGuard) replay(createErr error, record domain.IdempotencyRecord, out any) error {
	if errors.Is(createErr, domain.ErrIdempotencyHashMismatch) {
		return status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	}
	if !errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists) {
		g.logger.WithError(createErr).Warn("failed to create idempotency record")
		return status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	switch record.Status {
	case domain.IdempotencyStatusProcessing:
		return status.Error(codes.Aborted, "request with the same idempotency key is already processing")
	case domain.IdempotencyStatusFailed:
		return decodeIdempotencyFailure(record)
	case domain.IdempotencyStatusDone:
		if len(record.ResponseBody) == 0 {
			return status.Error(codes.Internal, "idempotency cache is empty")
		}
		if err := json.Unmarshal(record.ResponseBody, out); err != nil {
			g.logger.WithError(err).Warn("failed to decode cached idempotency response")
			return status.Error(codes.Internal, "failed to decode cached idempotency response")
		}
		return nil
	default:
		return status.Error(codes.Internal, "unknown idempotency record status")
	}
}

// finish фиксирует результат handler за ключом либо освобождает ключ.
func (g *idempotencyGuard) finish(resp any, runErr error) {
	if runErr == nil {
		body, err := json.Marshal(resp)
		if err == nil {
			err = g.repo.MarkDone(g.key, body, int(codes.OK))
		}
		if err != nil {
			g.logger.WithError(err).Warn("failed to store idempotent response")
		}
		return
	}

	st := status.Convert(runErr)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}
	if releasedCodes[code] {
		if err := g.repo.Release(g.key); err != nil {
			g.logger.WithError(err).Warn("failed to release idempotency key")
		}
		return
	}

	body, err := json.Marshal(cachedFailure{Code: int32(code), Message: st.Message()}) //nolint:gosec // codes.Code is a bounded enum.
	if err != nil {
		g.logger.WithError(err).Warn("failed to encode idempotency failure")
		body = nil
	}
	if err := g.repo.MarkFailed(g.key, body, int(code)); err != nil {
		g.logger.WithError(err).Warn("failed to store idempotency failure")
	}
}

// decodeIdempotencyFailure восстанавливает ошибку из тела записи, а при
// повреждённом теле из ResultCode.
func decodeIdempotencyFailure(record domain.IdempotencyRecord) error {
	var cached cachedFailure
	if len(record.ResponseBody) > 0 && json.Unmarshal(record.ResponseBody, &cached) == nil {
		if _, ok := codeFromInt(int(cached.Code)); ok {
			return cached.err()
		}
	}
	if code, ok := codeFromInt(record.ResultCode); ok && code != codes.OK {
		return status.Error(code, replayedFailureMessage)
	}
	return status.Error(codes.Internal, replayedFailureMessage)
}

func codeFromInt(value int) (codes.Code, bool) {
	if value < int(codes.OK) || value > int(codes.Unauthenticated) {
		return codes.Internal, false
	}
	return codes.Code(uint32(value)), true //nolint:gosec // range checked above.
}

func readIdempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range md.Get(idempotencyKeyHeader) {
		if key := strings.TrimSpace(value); key != "" {
			return key
		}
	}
	return ""
}

// buildIdempotencyRequestHash считает sha256 от "method:json(req)".
func buildIdempotencyRequestHash(method string, req any) (string, error) {
	if req == nil {
		return "", errNilIdempotentRequest
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
