package errutil

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. Orchestration decisions (retry, fail,
// reopen) are made on the kind, never on error strings.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindTemplate          Kind = "template"
	KindConversion        Kind = "conversion"
	KindStorage           Kind = "storage"
	KindTransientDelivery Kind = "transient_delivery"
	KindPermanentDelivery Kind = "permanent_delivery"
	KindUpstreamCheck     Kind = "upstream_check"
)

func (k Kind) Retryable() bool {
	switch k {
	case KindConversion, KindStorage, KindTransientDelivery, KindUpstreamCheck:
		return true
	}
	return false
}

type KindError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

func WithKind(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &KindError{Kind: kind, Op: op, Err: err}
}

func Template(op string, err error) error   { return WithKind(KindTemplate, op, err) }
func Conversion(op string, err error) error { return WithKind(KindConversion, op, err) }
func Storage(op string, err error) error    { return WithKind(KindStorage, op, err) }

func TransientDelivery(op string, err error) error {
	return WithKind(KindTransientDelivery, op, err)
}

func PermanentDelivery(op string, err error) error {
	return WithKind(KindPermanentDelivery, op, err)
}

func UpstreamCheck(op string, err error) error {
	return WithKind(KindUpstreamCheck, op, err)
}

// KindOf returns the outermost Kind attached to err, or "" when none is.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
