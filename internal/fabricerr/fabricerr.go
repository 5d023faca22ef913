// Package fabricerr registers the domain-level error kinds used across the
// VermilionRC process fabric. Every kind is a v.io/v23/verror identifier, so
// callers can test for a specific failure with verror.ErrorID(err) rather
// than string-matching, regardless of which role or layer produced it.
package fabricerr

import "v.io/v23/verror"

const pkgPath = "github.com/bluejekyll/vermilionrc/internal/fabricerr"

var (
	// ErrResourceExhausted indicates the OS refused to hand out a
	// descriptor or socket (pipe, socketpair, accept all fail this way).
	ErrResourceExhausted = verror.Register(pkgPath+".ErrResourceExhausted", verror.NoRetry, "{1:}{2:} resource exhausted{:_}")

	// ErrSpawnFailed indicates execve/fork was rejected by the OS.
	ErrSpawnFailed = verror.Register(pkgPath+".ErrSpawnFailed", verror.NoRetry, "{1:}{2:} spawn failed{:_}")

	// ErrHandshakeFailed indicates the Ipc's fixed three-message
	// registration handshake saw the wrong role, direction, or order.
	ErrHandshakeFailed = verror.Register(pkgPath+".ErrHandshakeFailed", verror.NoRetry, "{1:}{2:} handshake failed{:_}")

	// ErrProtocol indicates a message violated the envelope/descriptor
	// contract: a descriptor attached when none was expected, or vice
	// versa, or the envelope failed to deserialize.
	ErrProtocol = verror.Register(pkgPath+".ErrProtocol", verror.NoRetry, "{1:}{2:} protocol error{:_}")

	// ErrPeerClosed indicates a graceful end-of-stream on a control or
	// pipe endpoint.
	ErrPeerClosed = verror.Register(pkgPath+".ErrPeerClosed", verror.NoRetry, "{1:}{2:} peer closed{:_}")

	// ErrWouldBlock is retryable and never surfaced to role code; it is
	// only meaningful to the async adapter's scheduler integration.
	ErrWouldBlock = verror.Register(pkgPath+".ErrWouldBlock", verror.RetryBackoff, "{1:}{2:} would block{:_}")

	// ErrUnexpectedExit indicates a root role exited before the Init
	// sequencer asked it to.
	ErrUnexpectedExit = verror.Register(pkgPath+".ErrUnexpectedExit", verror.NoRetry, "{1:}{2:} unexpected exit{:_}")

	// ErrInvalidKind indicates a message's Kind/attached-descriptor
	// relationship was violated before it was ever written to the wire.
	ErrInvalidKind = verror.Register(pkgPath+".ErrInvalidKind", verror.NoRetry, "{1:}{2:} invalid message kind{:_}")

	// ErrSerialization indicates the envelope failed to encode or decode.
	ErrSerialization = verror.Register(pkgPath+".ErrSerialization", verror.NoRetry, "{1:}{2:} serialization error{:_}")
)
