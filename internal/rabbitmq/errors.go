package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// ErrPublishNotConfirmed means the broker nacked a publish or the confirm
	// did not arrive in time
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	// ErrMandatoryFailed means the broker returned a mandatory publish
	// because no queue was bound to its routing key
	ErrMandatoryFailed = errors.New("rabbitmq: message returned as unroutable")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError reports a failed dial or close. URL is sanitized.
type ConnectionError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError reports a failure on the channel backing one session
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
}

func (e *ChannelError) Error() string {
	if e.ChannelID == "" {
		return fmt.Sprintf("rabbitmq: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError reports a send the broker did not accept
type PublishError struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Err        error
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitmq: publish to %s with key %q (mandatory=%v): %v",
		exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError reports a failed declare, bind or delete
type TopologyError struct {
	Component string // queue or binding
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if a dial error is worth another attempt.
// Configuration and authentication failures are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, amqp.ErrCredentials), errors.Is(err, amqp.ErrSASL), errors.Is(err, amqp.ErrVhost):
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
		return false
	}

	return true
}

// IsNotFound reports whether the broker refused an operation because the
// queue does not exist
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// SanitizeURL redacts the password of a broker URL for logs and errors
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
