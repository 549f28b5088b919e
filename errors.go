package mqttcore

import (
	"errors"
	"fmt"
)

// Connack refusal reasons (MQTT 3.1.1 CONNACK return codes 1-5). These are
// fatal: the controller moves to a terminal refused state and does not retry.
var (
	ErrUnacceptableProtocolVersion = errors.New("unacceptable protocol version")
	ErrIdentifierRejected          = errors.New("identifier rejected")
	ErrServerUnavailable           = errors.New("server unavailable")
	ErrBadUsernameOrPassword       = errors.New("bad username or password")
	ErrNotAuthorized               = errors.New("not authorized")
)

// connackErrors maps a CONNACK return code to its sentinel error.
var connackErrors = map[uint8]error{
	1: ErrUnacceptableProtocolVersion,
	2: ErrIdentifierRejected,
	3: ErrServerUnavailable,
	4: ErrBadUsernameOrPassword,
	5: ErrNotAuthorized,
}

// ConnackError wraps a non-zero CONNACK return code.
type ConnackError struct {
	ReturnCode uint8
}

func (e *ConnackError) Error() string {
	return fmt.Sprintf("connection refused: %s", e.Unwrap())
}

func (e *ConnackError) Unwrap() error {
	if err, ok := connackErrors[e.ReturnCode]; ok {
		return err
	}
	return fmt.Errorf("unknown connack return code %d", e.ReturnCode)
}

// isFatalConnectError reports whether err is a CONNACK refusal: a terminal
// rejection of this client's identity or credentials rather than a transient
// transport problem. The reconnect loop gives up on these instead of
// retrying with backoff forever.
func isFatalConnectError(err error) bool {
	if err == nil {
		return false
	}
	var connackErr *ConnackError
	if errors.As(err, &connackErr) {
		return true
	}
	switch {
	case errors.Is(err, ErrUnacceptableProtocolVersion),
		errors.Is(err, ErrIdentifierRejected),
		errors.Is(err, ErrServerUnavailable),
		errors.Is(err, ErrBadUsernameOrPassword),
		errors.Is(err, ErrNotAuthorized):
		return true
	}
	return false
}

// Protocol-layer violations. A malformed or out-of-sequence packet from the
// broker is fatal to the current connection: it is torn down immediately via
// fatalProtocolViolation. Unlike a refused CONNACK this does not end the
// client's lifecycle; if AutoReconnect is enabled the reconnect loop restarts
// the handshake the same as after a transport failure.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrMalformedPacket   = errors.New("malformed packet")
)

// Transport-layer errors. dialServer wraps TCP dial failures in
// ErrConnectionRefused; the others are not produced by dialServer itself.
// The reconnect loop retries every transport error, TLSError included, with
// backoff.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrHostUnreachable   = errors.New("host unreachable")
	ErrNameResolution    = errors.New("name resolution failed")
	ErrTransportClosed   = errors.New("transport closed")
	ErrDialTimeout       = errors.New("dial timeout")
)

// TLSError reports a failed TLS dial, including certificate/trust failures.
// isFatalConnectError does not treat it as fatal, so the reconnect loop
// retries it with backoff like any other transport error.
type TLSError struct {
	Detail string
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls failure: %s", e.Detail)
}

// Caller-layer errors, returned directly to the caller rather than driving
// controller state.
var (
	ErrOperationTimeout   = errors.New("operation timed out")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrPacketIDExhausted  = errors.New("packet identifier pool exhausted")
	ErrClientDisconnected = errors.New("client disconnected")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrAlreadyRegistered  = errors.New("client id already has a live connection in this process")
)
