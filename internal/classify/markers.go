package classify

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransient = errors.New("transient failure")
	ErrPermanent = errors.New("permanent failure")
)

// Kinder lets an error declare its own classification.
type Kinder interface {
	ErrorKind() Kind
}

// Transient tags err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent tags err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Wrap builds an error that carries operation context and a classification
// marker. A nil marker defaults to ErrTransient.
func Wrap(marker error, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	detail := buildDetail(operation, message)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FromError classifies err. A classified Error in the chain is returned as
// is; markers and Kinder implementations decide the kind next; otherwise the
// error text goes through the rules.
func (c *Classifier) FromError(err error) Error {
	if err == nil {
		return Error{}
	}
	var classified Error
	if errors.As(err, &classified) {
		return classified
	}
	var pointer *Error
	if errors.As(err, &pointer) && pointer != nil {
		return *pointer
	}
	message := strings.TrimSpace(err.Error())
	switch {
	case errors.Is(err, ErrPermanent):
		return Error{Kind: KindPermanent, Message: message, MatchedRule: "marker"}
	case errors.Is(err, ErrTransient):
		return Error{Kind: KindTransient, Message: message, MatchedRule: "marker"}
	}
	var kinder Kinder
	if errors.As(err, &kinder) {
		return Error{Kind: kinder.ErrorKind(), Message: message, MatchedRule: "marker"}
	}
	return c.Classify(message)
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "job failure"
	}
	return strings.Join(parts, ": ")
}
