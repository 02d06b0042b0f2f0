// Package service implements the Connect RPC handlers.
package service

import (
	"encoding/json"
	"errors"

	"connectrpc.com/connect"

	"github.com/tallyhq/tally/internal/calculator"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/models"
)

// jsonCodec serializes RPC messages with encoding/json. The wire types in
// pkg/api are plain structs, so the stock protobuf codecs do not apply.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, message)
}

// handlerOptions prepends the JSON codec to the caller's options.
func handlerOptions(opts []connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
}

// rpcError maps domain errors onto Connect status codes.
func rpcError(err error) *connect.Error {
	switch {
	case models.IsValidation(err), errors.Is(err, calculator.ErrInvalidSplit):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ledger.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
