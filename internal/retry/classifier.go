package retry

import (
	"errors"
	"net"
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassUnknown errors are retried; nothing is known about them.
	ClassUnknown Class = iota
	// ClassTransient errors are expected to clear on their own.
	ClassTransient
	// ClassPermanent errors will not succeed no matter how often retried.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether the class permits another attempt.
func (c Class) Retryable() bool { return c != ClassPermanent }

type markedError struct {
	err   error
	class Class
}

func (m *markedError) Error() string { return m.err.Error() }
func (m *markedError) Unwrap() error { return m.err }

// Permanent marks err so the classifier treats it as not retryable,
// regardless of list membership. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, class: ClassPermanent}
}

// Transient marks err as retryable regardless of list membership.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, class: ClassTransient}
}

// Classifier decides whether an error is worth retrying. Explicit
// markers win, then the retryable allow-list, then the permanent
// deny-list, then interface heuristics. An error matching both lists
// is transient: the allow-list has precedence.
type Classifier struct {
	// Retryable is the allow-list, matched with errors.Is.
	Retryable []error
	// Permanent is the deny-list, matched with errors.Is.
	Permanent []error
}

// Classify returns the class of err. A nil error is ClassUnknown.
func (c *Classifier) Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.class
	}

	if c != nil {
		for _, target := range c.Retryable {
			if errors.Is(err, target) {
				return ClassTransient
			}
		}
		for _, target := range c.Permanent {
			if errors.Is(err, target) {
				return ClassPermanent
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return ClassTransient
	}

	return ClassUnknown
}
