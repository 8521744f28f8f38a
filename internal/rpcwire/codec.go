// Package rpcwire provides the wire-level plumbing C8's gRPC server needs
// without a protoc toolchain: a JSON encoding.Codec registered under the
// "proto" content-subtype grpc's transport expects, and the monitor's own
// typed error taxonomy mapped onto grpc status codes. No status details
// are attached, and IOFailure and ShuttingDown both map to
// codes.Unavailable.
//
// The codec swap is the one place this module departs from "use real
// protobuf wire format": hand-authoring valid protoc-gen-go output
// requires an encoded FileDescriptorProto, which is infeasible without
// running protoc. Everything else about the RPC layer — the grpc.Server,
// its ServiceDesc-based method dispatch, UDS transport, metadata,
// status/codes — is the genuine google.golang.org/grpc stack, matching
// cuemby-warren's own grpc usage. See DESIGN.md.
package rpcwire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is registered in place of grpc's built-in "proto" codec.
const CodecName = "proto"

// jsonCodec implements encoding.Codec over encoding/json. Every RPC
// message type in this module is a plain Go struct with json tags, so
// marshaling requires no generated code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Code enumerates the monitor's error taxonomy, mapped onto grpc/codes
// for wire transport.
type Code int

const (
	CodeInvalid Code = iota
	CodeAlreadyExists
	CodeNotFound
	CodeRuntimeFailed
	CodeTimedOut
	CodeIOFailure
	CodeShuttingDown
	CodeUnsupported
)

func (c Code) grpcCode() codes.Code {
	switch c {
	case CodeInvalid:
		return codes.InvalidArgument
	case CodeAlreadyExists:
		return codes.AlreadyExists
	case CodeNotFound:
		return codes.NotFound
	case CodeRuntimeFailed:
		return codes.Internal
	case CodeTimedOut:
		return codes.DeadlineExceeded
	case CodeIOFailure:
		return codes.Unavailable
	case CodeShuttingDown:
		return codes.Unavailable
	case CodeUnsupported:
		return codes.Unimplemented
	default:
		return codes.Unknown
	}
}

func (c Code) String() string {
	switch c {
	case CodeInvalid:
		return "Invalid"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeNotFound:
		return "NotFound"
	case CodeRuntimeFailed:
		return "RuntimeFailed"
	case CodeTimedOut:
		return "TimedOut"
	case CodeIOFailure:
		return "IOFailure"
	case CodeShuttingDown:
		return "ShuttingDown"
	case CodeUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error is the typed error every rpcserver method returns; ToStatus
// renders it as a grpc status error for the wire.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ToStatus renders err as a grpc status error, passing non-*Error values
// through as codes.Unknown.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return status.Error(e.Code.grpcCode(), e.Message)
	}
	return status.Error(codes.Unknown, err.Error())
}
