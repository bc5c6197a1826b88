package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/cart"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
)

var invalidArgumentErrors = []error{
	cart.ErrDeltaZero,
	inventory.ErrRestockQtyInvalid,
	domain.ErrSKUInvalid,
	domain.ErrIdempotencyKeyRequired,
}

// toStatus переводит доменную ошибку в gRPC status. Это единственное место,
// где решается, какой код увидит клиент.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case domain.IsRejection(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrOrderNotModifiable), errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrSKUNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrTransactionAborted):
		return status.Error(codes.Aborted, "transaction aborted, retry the request")
	case checkout.IsCallerError(err) || isInvalidArgument(err):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func isInvalidArgument(err error) bool {
	for _, target := range invalidArgumentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
