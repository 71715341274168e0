package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type AppError struct {
	Code    int              // HTTP status code or custom error code
	Message string           // User-facing message
	Err     error            // Underlying error (optional)
	Minimum *decimal.Decimal // Smallest acceptable amount, set on bid rejections
}

const (
	ErrInvalidToken        = 1001
	ErrNotFound            = 1002
	ErrBelowIncrement      = 1003
	ErrInvalidLotState     = 1004
	ErrWebSocketUpgrade    = 1005
	ErrBadMessageFormat    = 1006
	ErrUnknownMessageType  = 1007
	ErrRateLimited         = 1008
	ErrUnauthorized        = 1009
	ErrBelowFloor          = 1010
	ErrAlreadyWinning      = 1011
	ErrInvalidAuctionState = 1012

	ErrConcurrentBidConflict  = 1020
	ErrInvalidSettlementInput = 1030
	ErrStageConfiguration     = 1040

	ErrInternalServer = 500
)

var codeNames = map[int]string{
	ErrInvalidToken:           "invalid_token",
	ErrNotFound:               "not_found",
	ErrBelowIncrement:         "below_increment",
	ErrInvalidLotState:        "invalid_lot_state",
	ErrWebSocketUpgrade:       "websocket_upgrade",
	ErrBadMessageFormat:       "bad_message_format",
	ErrUnknownMessageType:     "unknown_message_type",
	ErrRateLimited:            "rate_limited",
	ErrUnauthorized:           "unauthorized",
	ErrBelowFloor:             "below_floor",
	ErrAlreadyWinning:         "already_winning",
	ErrInvalidAuctionState:    "invalid_auction_state",
	ErrConcurrentBidConflict:  "concurrent_bid_conflict",
	ErrInvalidSettlementInput: "invalid_settlement_input",
	ErrStageConfiguration:     "stage_configuration",
	ErrInternalServer:         "internal",
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError carrying the same non-zero code, so callers can
// write errors.Is(err, errors.Kind(errors.ErrBelowFloor)).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code != 0 && t.Code == e.Code
}

// Retryable reports whether resubmitting the identical request may succeed.
func (e *AppError) Retryable() bool {
	return e.Code == ErrConcurrentBidConflict
}

// Name is the stable machine-readable name of the code.
func (e *AppError) Name() string {
	if n, ok := codeNames[e.Code]; ok {
		return n
	}
	return "error"
}

func (e *AppError) WithMinimum(min decimal.Decimal) *AppError {
	e.Minimum = &min
	return e
}

// ToJSON renders the error as a client message.
func (e *AppError) ToJSON() string {
	payload := struct {
		Type    string  `json:"type"`
		Code    int     `json:"code"`
		Reason  string  `json:"reason"`
		Message string  `json:"message"`
		Minimum *string `json:"minimum,omitempty"`
	}{
		Type:    "error",
		Code:    e.Code,
		Reason:  e.Name(),
		Message: e.Message,
	}
	if e.Minimum != nil {
		s := e.Minimum.StringFixed(2)
		payload.Minimum = &s
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return `{"type":"error","code":500,"reason":"internal","message":"Internal server error"}`
	}
	return string(b)
}

// Wrapping utility
func Wrap(err error, message string) *AppError {
	code := 0
	var app *AppError
	if stderrors.As(err, &app) {
		code = app.Code
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// Error creation utility
func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Newf(code int, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Kind returns a sentinel for errors.Is comparisons against a code.
func Kind(code int) *AppError {
	return &AppError{Code: code}
}

// CodeOf extracts the code of the first AppError in the chain, or 0.
func CodeOf(err error) int {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return 0
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
