// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package walletbridge

// Status is the connection manager's lifecycle state.
type Status string

const (
	// StatusDisconnected means no session exists and no connect is in
	// flight. This is also the terminal state after reconnect attempts
	// are exhausted: the manager stays here until an explicit
	// Connect or Reconnect call.
	StatusDisconnected Status = "disconnected"

	// StatusConnecting means an explicit Connect is in flight.
	StatusConnecting Status = "connecting"

	// StatusConnected means the session is settled and usable.
	StatusConnected Status = "connected"

	// StatusReconnecting means the session dropped unexpectedly and
	// automatic backoff attempts are running.
	StatusReconnecting Status = "reconnecting"

	// StatusError means the handshake itself failed (for example, the
	// relay refused the pairing). Not retried automatically.
	StatusError Status = "error"
)

// Session is one logical pairing with the agent. The Manager is its
// sole writer; everything else reads a copy.
type Session struct {
	// Topic is the opaque session identifier assigned by the relay.
	Topic string

	// ChainNamespace identifies the paired chain (e.g., "chia:mainnet").
	ChainNamespace string

	// AccountFingerprint identifies the wallet account. It travels in
	// the params of every request on this session.
	AccountFingerprint uint32

	// IsConnected is false while the session exists but the transport
	// is down (reconnecting).
	IsConnected bool

	// Status mirrors the manager state at the time the copy was taken.
	Status Status
}

// StateChange is delivered to Manager subscribers on every status
// transition.
type StateChange struct {
	Previous Status
	Current  Status

	// Session is a copy of the session at transition time; zero when
	// no session exists.
	Session Session

	// Err carries the cause for transitions triggered by a failure.
	Err error
}
