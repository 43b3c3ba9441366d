package log

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound means the index is outside the retained range. The caller should
	// fall back to a snapshot or another peer.
	ErrNotFound = errors.New("log: index not found")
	// ErrCorrupt means a record failed its checksum or framing checks.
	ErrCorrupt = errors.New("log: corrupt record")
	// ErrIOFailure wraps a disk error on read or write; the operation may be retried.
	ErrIOFailure = errors.New("log: i/o failure")
	// ErrDurability means a flush kept failing. The log refuses appends until reopened.
	ErrDurability = errors.New("log: durability failure")
	// ErrClosed is returned by every operation on a closed log.
	ErrClosed = errors.New("log: closed")
	// ErrRecordTooLarge means the payload cannot fit even an empty segment.
	ErrRecordTooLarge = errors.New("log: record larger than segment size")
)

// IndexOutOfRangeError is returned when an index is outside [First, Last].
type IndexOutOfRangeError struct {
	Index uint64
	First uint64
	Last  uint64
	Empty bool
}

func (e *IndexOutOfRangeError) Error() string {
	if e.Empty {
		return fmt.Sprintf("log: index %d out of range: log is empty", e.Index)
	}
	return fmt.Sprintf("log: index %d out of range [%d, %d]", e.Index, e.First, e.Last)
}

func (e *IndexOutOfRangeError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *IndexOutOfRangeError) GRPCStatus() *status.Status {
	st := status.New(codes.OutOfRange, e.Error())
	msg := fmt.Sprintf("The requested index is outside the log's range: %d", e.Index)
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

// CorruptError locates a record that failed verification.
type CorruptError struct {
	Segment  uint64
	Index    uint64
	Position uint64
	Reason   string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("log: corrupt record in segment %d at position %d (index %d): %s",
		e.Segment, e.Position, e.Index, e.Reason)
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

func (e *CorruptError) GRPCStatus() *status.Status {
	st := status.New(codes.DataLoss, e.Error())
	d := &errdetails.ResourceInfo{
		ResourceType: "segment",
		ResourceName: segmentName(e.Segment),
		Description:  e.Reason,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}

// Code maps an error returned by the log onto the gRPC code a transport should use.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, ErrNotFound):
		return codes.OutOfRange
	case errors.Is(err, ErrCorrupt):
		return codes.DataLoss
	case errors.Is(err, ErrDurability):
		return codes.Internal
	case errors.Is(err, ErrIOFailure):
		return codes.Unavailable
	case errors.Is(err, ErrClosed):
		return codes.FailedPrecondition
	case errors.Is(err, ErrRecordTooLarge):
		return codes.InvalidArgument
	}
	return status.Code(err)
}
