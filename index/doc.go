// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package index is the HTTP client for the external offer index. It
// exposes search, single-offer inspection, and offer upload, and
// satisfies offer.Inspector so the poller can consume it directly.
package index
