// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package offer

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
)

// Signal is the raw, possibly-partial tuple the external index reports
// for one offer. Every field is optional; absence carries meaning in
// the derivation rules, so the fields are pointers rather than zero
// values.
type Signal struct {
	DateFound       *time.Time `json:"date_found,omitempty"`
	DateCompleted   *time.Time `json:"date_completed,omitempty"`
	DatePending     *time.Time `json:"date_pending,omitempty"`
	DateExpiry      *time.Time `json:"date_expiry,omitempty"`
	BlockExpiry     *int64     `json:"block_expiry,omitempty"`
	SpentBlockIndex *int64     `json:"spent_block_index,omitempty"`
	KnownTaker      *string    `json:"known_taker,omitempty"`
}

// State is the seven-valued offer lifecycle. The numeric values match
// the index's own status-code enumeration so the two never need a
// translation table.
type State int

const (
	StateOpen       State = 0
	StatePending    State = 1
	StateCancelling State = 2
	StateCancelled  State = 3
	StateCompleted  State = 4
	StateUnknown    State = 5
	StateExpired    State = 6
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePending:
		return "pending"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Legacy five-valued status vocabulary kept for the record store and
// its query surface.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// LegacyStatus projects the lifecycle state onto the five-valued
// status vocabulary the store indexes by.
func (s State) LegacyStatus() string {
	switch s {
	case StateOpen:
		return StatusActive
	case StateCompleted:
		return StatusCompleted
	case StateCancelling, StateCancelled:
		return StatusCancelled
	case StateExpired:
		return StatusExpired
	default:
		// Pending and Unknown both read as "still settling".
		return StatusPending
	}
}

// IndexTerminal reports whether the index's own numbering considers
// this state final. A long-poll stops once it sees a terminal state;
// the interval poller relies on the legacy status instead.
func (s State) IndexTerminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateExpired
}

// StateFromIndexCode maps an index-reported status code onto a State.
// Codes outside the known enumeration read as Unknown rather than
// failing; the index owns its numbering and may extend it.
func StateFromIndexCode(code int) State {
	if code < int(StateOpen) || code > int(StateExpired) {
		return StateUnknown
	}
	return State(code)
}

// DeriveState maps a raw index signal onto a lifecycle state. It is
// pure and total: every input yields exactly one state, never an
// error. The rules are evaluated in a fixed priority order and the
// first match wins; contradictory signals (a completed offer whose
// coin also shows as spent) resolve to the earlier rule.
func DeriveState(signal Signal) State {
	// 1. A recorded completion with a known taker is completion,
	// regardless of what the spent index says.
	if signal.DateCompleted != nil && signal.KnownTaker != nil {
		return StateCompleted
	}
	// 2. Coin consumed on-chain without the completed path.
	if signal.SpentBlockIndex != nil {
		return StateCancelled
	}
	// 3. Posted but not yet indexed as found.
	if signal.DatePending != nil && signal.DateFound == nil {
		return StatePending
	}
	// 4. Expired by date (expiry precedes discovery) or by block.
	if signal.DateExpiry != nil && signal.DateFound != nil && signal.DateExpiry.Before(*signal.DateFound) {
		return StateExpired
	}
	if signal.BlockExpiry != nil {
		return StateExpired
	}
	// 5. Indexed, not completed, not past expiry.
	if signal.DateFound != nil && signal.DateCompleted == nil &&
		(signal.DateExpiry == nil || signal.DateFound.Before(*signal.DateExpiry)) {
		return StateOpen
	}
	// 6. Nothing matched, including the all-absent signal.
	return StateUnknown
}

// TradeFingerprint derives a stable trade id from the signed offer
// payload. Used when the agent's response omits a trade id so the
// store's uniqueness invariant stays total.
func TradeFingerprint(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
