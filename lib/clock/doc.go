// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for components that schedule work:
// reconnect backoff, request timeouts, and poll intervals. Production
// code injects Real(); tests inject Fake() and drive time forward with
// Advance, making timing-dependent behavior deterministic.
//
// Any function that would call time.Now, time.After, time.AfterFunc,
// time.NewTicker, or time.Sleep takes a Clock instead (usually as a
// struct field populated from config, defaulting to Real()).
package clock
