package backtest

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoPriceData is returned when a series has no usable observations for
// the requested window. Callers should test for it with errors.Is.
var ErrNoPriceData = errors.New("no price data")

// Kind classifies a failure so the boundary layer can pick a status code
// without inspecting messages.
type Kind int

const (
	KindInternal Kind = iota
	KindBadInput
	KindDataUnavailable
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "bad_input"
	case KindDataUnavailable:
		return "data_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified error for a single symbol.
type Error struct {
	Kind   Kind
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	if e.Symbol == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err. Unclassified errors wrapping ErrNoPriceData
// are data-unavailable; anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrNoPriceData) {
		return KindDataUnavailable
	}
	return KindInternal
}

// BadInput builds a KindBadInput error.
func BadInput(symbol, format string, args ...any) error {
	return &Error{Kind: KindBadInput, Symbol: symbol, Err: fmt.Errorf(format, args...)}
}

// NoPriceData builds a KindDataUnavailable error wrapping ErrNoPriceData.
func NoPriceData(symbol, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: KindDataUnavailable, Symbol: symbol, Err: fmt.Errorf("%w: %s", ErrNoPriceData, msg)}
}

// ClassifySourceError tags a PriceSource failure for symbol as
// data-unavailable unless it already carries a kind or stems from
// cancellation.
func ClassifySourceError(symbol string, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindInternal, Symbol: symbol, Err: err}
	}
	return &Error{Kind: KindDataUnavailable, Symbol: symbol, Err: fmt.Errorf("loading prices: %w", err)}
}
