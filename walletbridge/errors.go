// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package walletbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind tags the failure classes a bridge call can resolve to. Expected
// failures are returned as *Error values carrying a Kind; only
// programmer errors (serialization bugs and the like) surface as
// untagged errors.
type Kind int

const (
	// KindSessionInvalid: no live session, or the session dropped out
	// of the transport's valid set before the send. Failed without a
	// network attempt; not retryable as-is.
	KindSessionInvalid Kind = iota

	// KindTimeout: no response inside the configured window. The
	// agent may still act on the request; its eventual result is
	// discarded.
	KindTimeout

	// KindUserRejected: the human operator declined the request at
	// the agent. Terminal and calm — not a system fault.
	KindUserRejected

	// KindAgentRequestFailed: the agent processed the request and
	// reports a domain failure ("offer not found", "already
	// cancelled").
	KindAgentRequestFailed

	// KindTransientRelayError: a relay-layer processing failure.
	// Worth retrying from the caller's side; the dispatcher itself
	// never retries.
	KindTransientRelayError

	// KindSessionExpired: the agent no longer knows this pairing. The
	// caller must establish a fresh pairing, not silently retry.
	KindSessionExpired
)

// String returns the stable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSessionInvalid:
		return "session_invalid"
	case KindTimeout:
		return "timeout"
	case KindUserRejected:
		return "user_rejected"
	case KindAgentRequestFailed:
		return "agent_request_failed"
	case KindTransientRelayError:
		return "transient_relay_error"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// Error is a classified bridge failure. Extract with errors.As, or use
// IsKind for a single-kind check.
type Error struct {
	Kind    Kind
	Code    int    // agent-reported numeric code, 0 when absent
	Message string // human-readable, already displayable by contract
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("walletbridge: %s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("walletbridge: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the caller may reasonably try again
// without changing anything.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientRelayError
}

// IsKind reports whether err is a *Error with the given kind.
func IsKind(err error, kind Kind) bool {
	var bridgeErr *Error
	return errors.As(err, &bridgeErr) && bridgeErr.Kind == kind
}

// codeUserRejected is the numeric code agents send for operator
// rejection. Some agents reuse it for domain failures, so the code
// alone never decides the classification — message text is always
// consulted too.
const codeUserRejected = 4001

// agentErrorEnvelope is the wire shape of the error value: either a
// bare string or an object with message and optional code.
type agentErrorEnvelope struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// classifyAgentError turns a raw error envelope from a response into a
// tagged *Error. This is the single place that knows the agent's
// error surface; everything downstream branches on the Kind.
//
// The agent gives no structured failure taxonomy, so classification
// leans on message substrings. That makes it best-effort by nature:
// a wording change in a future agent version can shift a failure
// between UserRejected and AgentRequestFailed. Callers should treat
// the distinction as advisory in user-facing copy.
func classifyAgentError(raw json.RawMessage) *Error {
	var envelope agentErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// Older agents send the error as a bare string.
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			envelope.Message = string(raw)
		} else {
			envelope.Message = text
		}
	}

	kind := classifyMessage(envelope.Code, envelope.Message)
	return &Error{Kind: kind, Code: envelope.Code, Message: envelope.Message}
}

// Substring groups for classification, checked in order. Session and
// relay phrases are checked before rejection phrases: "session
// expired, request cancelled" must classify as expired, not rejected.
var (
	sessionExpiredPhrases = []string{
		"session topic doesn't exist",
		"no matching key",
		"pairing deleted",
		"session expired",
		"expired pairing",
	}
	transientRelayPhrases = []string{
		"failed to publish payload",
		"publishing payload stopped",
		"relay connection",
		"websocket connection failed",
	}
	domainFailurePhrases = []string{
		"not found",
		"already cancelled",
		"already completed",
		"insufficient",
		"invalid offer",
	}
	userRejectedPhrases = []string{
		"rejected",
		"denied",
		"cancelled",
	}
)

func classifyMessage(code int, message string) Kind {
	lower := strings.ToLower(message)

	for _, phrase := range sessionExpiredPhrases {
		if strings.Contains(lower, phrase) {
			return KindSessionExpired
		}
	}
	for _, phrase := range transientRelayPhrases {
		if strings.Contains(lower, phrase) {
			return KindTransientRelayError
		}
	}
	// Domain phrases before rejection phrases: agents report "offer
	// already cancelled" under the same code as user rejection, and
	// "cancelled" alone would misclassify it.
	for _, phrase := range domainFailurePhrases {
		if strings.Contains(lower, phrase) {
			return KindAgentRequestFailed
		}
	}
	for _, phrase := range userRejectedPhrases {
		if strings.Contains(lower, phrase) {
			return KindUserRejected
		}
	}
	if code == codeUserRejected {
		return KindUserRejected
	}
	return KindAgentRequestFailed
}
