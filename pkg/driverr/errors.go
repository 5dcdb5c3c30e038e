// Package driverr holds the error kinds surfaced to reply callbacks (§7).
// The receive loop never panics or returns these to its own caller — it
// routes them to the pending callback that was waiting on a reply.
package driverr

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionLost is delivered to every callback still pending when a
// SocketConnection's socket closes or hits an I/O error, and to every
// callback still pending after shutdown(force=true).
var ConnectionLost = errors.New("driverr: connection lost")

// NoReply is delivered to a pending message's callback when a later reply
// correlates past it — the server silently skipped replying to this one
// (§4.1 FIFO-skip matching).
var NoReply = errors.New("driverr: no reply (skipped by server)")

// ErrUnknownRequestID names the case of a reply whose response-to-id matches
// no entry in the pending queue. The receive loop does not return it: it logs
// and discards such replies per §4.1.
var ErrUnknownRequestID = errors.New("driverr: reply correlates to no pending request")

// ErrFactoryUnresolved is returned by BootstrapConnectionFactory.Connect when
// the probed server's identity reply does not classify into any known
// topology (§4.7).
var ErrFactoryUnresolved = errors.New("driverr: could not classify server topology")

// ErrNoReconnect is returned by a ReconnectStrategy when it exhausted its
// candidates (simple strategy) or its deadline (replica-set strategy)
// without producing a connection.
var ErrNoReconnect = errors.New("driverr: reconnect exhausted without a usable connection")

// ErrConnectionShutDown is returned synchronously by Send when the
// connection is already shut down and cannot accept new externally
// originated messages.
var ErrConnectionShutDown = errors.New("driverr: connection is shut down")

// ReplyErrorKind classifies a ReplyError's underlying condition (§7).
type ReplyErrorKind int

const (
	ReplyErrorGeneric ReplyErrorKind = iota
	CursorNotFound
	ShardConfigStale
	DuplicateKey
	DurabilityFailure
	MaximumTimeLimitExceeded
)

func (k ReplyErrorKind) String() string {
	switch k {
	case CursorNotFound:
		return "CursorNotFound"
	case ShardConfigStale:
		return "ShardConfigStale"
	case DuplicateKey:
		return "DuplicateKey"
	case DurabilityFailure:
		return "DurabilityFailure"
	case MaximumTimeLimitExceeded:
		return "MaximumTimeLimitExceeded"
	default:
		return "ReplyError"
	}
}

// ReplyError wraps a server-reported failure: either the REPLY frame's
// query_failed flag was set, or the decoded command document had ok:0.
type ReplyError struct {
	Kind    ReplyErrorKind
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("driverr: %s (code %d): %s", e.Kind, e.Code, e.Message)
}

// duplicateKeyCodes are the server error codes that indicate a unique index
// violation (§7).
var duplicateKeyCodes = map[int]bool{11000: true, 11001: true}

// maxTimeCodes are the server error codes for a maxTimeMS-exceeded failure.
var maxTimeCodes = map[int]bool{50: true, 13475: true, 16711: true}

var durabilityMarkers = []string{"wtimeout", "wnote", "jnote", "badGLE"}

// ClassifyReplyError inspects a command reply's error code/message and a
// flag set (CursorNotFound/ShardConfigStale from the REPLY header) to build
// the appropriately-kinded ReplyError, per the rules in §7.
func ClassifyReplyError(code int, message string, cursorNotFound, shardConfigStale bool) *ReplyError {
	switch {
	case cursorNotFound:
		return &ReplyError{Kind: CursorNotFound, Code: code, Message: message}
	case shardConfigStale:
		return &ReplyError{Kind: ShardConfigStale, Code: code, Message: message}
	case duplicateKeyCodes[code] || strings.HasPrefix(message, "E11000"):
		return &ReplyError{Kind: DuplicateKey, Code: code, Message: message}
	case maxTimeCodes[code]:
		return &ReplyError{Kind: MaximumTimeLimitExceeded, Code: code, Message: message}
	case hasDurabilityMarker(message):
		return &ReplyError{Kind: DurabilityFailure, Code: code, Message: message}
	default:
		return &ReplyError{Kind: ReplyErrorGeneric, Code: code, Message: message}
	}
}

func hasDurabilityMarker(message string) bool {
	for _, marker := range durabilityMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// DocumentTooLarge is returned synchronously from Send (pre-send validation,
// §7) when an outgoing document exceeds the target server's maximum
// document size.
type DocumentTooLarge struct {
	Size, Limit int
}

func (e *DocumentTooLarge) Error() string {
	return fmt.Sprintf("driverr: document too large: %d bytes exceeds server limit of %d", e.Size, e.Limit)
}

// ServerVersionMismatch is returned synchronously from Send when a message
// requires a server version outside the target's supported range.
type ServerVersionMismatch struct {
	ServerVersion, MinRequired, MaxRequired string
}

func (e *ServerVersionMismatch) Error() string {
	return fmt.Sprintf("driverr: server version %s outside required range [%s, %s]",
		e.ServerVersion, e.MinRequired, e.MaxRequired)
}
