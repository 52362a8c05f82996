// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package walletbridge maintains the long-lived session with the
// external signing agent and issues correlated request/response
// exchanges over it.
//
// The package has three layers, composed explicitly by the caller
// (there is no package-level singleton):
//
//   - Manager keeps exactly one logical session alive over a
//     relay.Transport, reconnecting with capped exponential backoff
//     after unsolicited drops and queuing work while the connection is
//     down. It is the sole writer of Session.
//   - Dispatcher turns one outbound call into one correlated response,
//     racing it against a timeout and classifying failures into the
//     Error taxonomy. It never retries; retry policy belongs to
//     callers (the Manager retries connections, never requests).
//   - Wallet is the typed facade over the Dispatcher: one method per
//     wire operation, with the fixed method-name vocabulary the agent
//     expects.
//
// All scheduling goes through lib/clock, so backoff and timeout
// behavior is tested against a fake clock.
package walletbridge
