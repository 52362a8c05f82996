// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package offer

import (
	"time"

	"github.com/google/uuid"
)

// Asset is one side's asset and amount in an offer.
type Asset struct {
	AssetID string `json:"assetId"`
	Amount  uint64 `json:"amount"`
}

// Record is the canonical local representation of a trade offer.
//
// TradeID is unique within the store; the store merges duplicates,
// keeping the most recently modified. Index-side cancellation or
// expiry is a status transition, never a deletion; only an explicit
// local delete destroys a record.
type Record struct {
	ID              string     `json:"id"`
	TradeID         string     `json:"tradeId"`
	WalletAddress   string     `json:"walletAddress"`
	OfferPayload    []byte     `json:"offerPayload"`
	Status          string     `json:"status"`
	State           State      `json:"state"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	AssetsOffered   []Asset    `json:"assetsOffered"`
	AssetsRequested []Asset    `json:"assetsRequested"`
	Fee             uint64     `json:"fee"`
	IndexID         string     `json:"indexId,omitempty"`
	IndexSnapshot   *Signal    `json:"indexSnapshot,omitempty"`
	IsLocal         bool       `json:"isLocal"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
	LastModified    time.Time  `json:"lastModified"`
}

// NewRecord builds a Record for a just-created offer. The record
// starts local and pending; it acquires an IndexID once uploaded. An
// empty tradeID falls back to the payload fingerprint so the store's
// uniqueness invariant holds even for agents that omit trade ids.
func NewRecord(tradeID string, payload []byte, now time.Time) Record {
	if tradeID == "" {
		tradeID = TradeFingerprint(payload)
	}
	return Record{
		ID:           uuid.NewString(),
		TradeID:      tradeID,
		OfferPayload: payload,
		Status:       StatusPending,
		State:        StatePending,
		CreatedAt:    now,
		IsLocal:      true,
		LastModified: now,
	}
}

// Update is a partial record mutation. Nil fields are left untouched;
// the store applies it as a read-merge-write of the whole record.
type Update struct {
	Status        *string
	State         *State
	IndexID       *string
	IndexSnapshot *Signal
	IsLocal       *bool
	SyncedAt      *time.Time
	LastModified  *time.Time
}

// Apply merges the update into record, returning the merged copy.
func (u Update) Apply(record Record) Record {
	if u.Status != nil {
		record.Status = *u.Status
	}
	if u.State != nil {
		record.State = *u.State
	}
	if u.IndexID != nil {
		record.IndexID = *u.IndexID
	}
	if u.IndexSnapshot != nil {
		record.IndexSnapshot = u.IndexSnapshot
	}
	if u.IsLocal != nil {
		record.IsLocal = *u.IsLocal
	}
	if u.SyncedAt != nil {
		record.SyncedAt = u.SyncedAt
	}
	if u.LastModified != nil {
		record.LastModified = *u.LastModified
	}
	return record
}
