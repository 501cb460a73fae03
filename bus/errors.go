package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all adapters. Callers match them with errors.Is.
var (
	// ErrConsumerNotFound is returned when a (topic, group) has no registration.
	ErrConsumerNotFound = errors.New("consumer group not found")

	// ErrEventNotFound is returned by ack/nack for an unknown or already
	// settled event id.
	ErrEventNotFound = errors.New("event not found")

	// ErrPublish wraps backend publish rejections. The outbox publisher
	// counts one attempt per ErrPublish and retries with backoff.
	ErrPublish = errors.New("publish failed")

	// ErrReplayUnsupported is returned by adapters without retained history.
	ErrReplayUnsupported = errors.New("replay not supported by this backend")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus is closed")
)

// PublishError wraps a backend error as ErrPublish with topic context.
func PublishError(topic string, err error) error {
	return fmt.Errorf("%w: topic %s: %v", ErrPublish, topic, err)
}

// NackReason classifies a consumer rejection.
type NackReason struct {
	// Retryable leaves the event pending for re-delivery when true;
	// otherwise the event is moved to the topic DLQ.
	Retryable bool   `json:"retryable"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NackError carries a NackReason out of a handler. A handler returning any
// other error is treated as a retryable nack.
type NackError struct {
	Reason NackReason
}

func (e *NackError) Error() string {
	kind := "permanent"
	if e.Reason.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("nack (%s): %s: %s", kind, e.Reason.Category, e.Reason.Message)
}

// NackWith wraps a reason so adapters can classify the rejection.
func NackWith(reason NackReason) error {
	return &NackError{Reason: reason}
}

// ReasonFromError extracts the nack reason from a handler error. Plain errors
// map to a retryable nack.
func ReasonFromError(err error) NackReason {
	var nackErr *NackError
	if errors.As(err, &nackErr) {
		return nackErr.Reason
	}
	return NackReason{Retryable: true, Category: "handler_error", Message: err.Error()}
}

// RetryableNack builds a reason that re-delivers the event.
func RetryableNack(category, message string) NackReason {
	return NackReason{Retryable: true, Category: category, Message: message}
}

// PermanentNack builds a reason that routes the event to the DLQ.
func PermanentNack(category, message string) NackReason {
	return NackReason{Retryable: false, Category: category, Message: message}
}
