// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package offer holds the trade-offer domain model: the canonical
// Record, the pure state-derivation engine over raw index signals, and
// the background Poller that keeps in-flight records fresh.
//
// State derivation is a total function with a fixed rule order; the
// order is part of the external contract with the index, not an
// implementation convenience. The Poller only ever consumes records
// through the narrow Store interface so it can be tested against an
// in-memory store.
package offer
