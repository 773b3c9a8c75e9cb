package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors that pkg/controller's RPC handlers return through ToStatus,
// so callers can type-switch and so ToStatus has a stable mapping to grpc
// codes. pkg/worker's handlers return their own errors instead.
var (
	ErrNotFound         = errors.New("rpc: sandbox not found")
	ErrCancelled        = errors.New("rpc: operation cancelled by sandbox state")
	ErrBackpressure     = errors.New("rpc: scheduler backpressure, request dropped")
	ErrHelperFailure    = errors.New("rpc: checkpoint/restore helper failed")
	ErrDeadlineExceeded = errors.New("rpc: deadline exceeded")
)

// ToStatus maps a sentinel (or wrapped sentinel) error to a grpc status
// error; unrecognized errors map to codes.Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrCancelled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, ErrBackpressure):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrHelperFailure):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, ErrDeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus recovers a sentinel error from a grpc status error returned by
// a peer, for callers that branch on error class. Codes with no sentinel,
// and non-status errors, are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return ErrNotFound
	case codes.Canceled:
		return ErrCancelled
	case codes.ResourceExhausted:
		return ErrBackpressure
	case codes.DeadlineExceeded:
		return ErrDeadlineExceeded
	default:
		return err
	}
}
