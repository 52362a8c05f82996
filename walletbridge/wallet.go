// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package walletbridge

import (
	"context"
	"encoding/json"
)

// Wire method vocabulary. This list is a closed, case-sensitive
// contract with the agent — extending it is a capability-negotiation
// concern, not a code change here.
const (
	methodGetAddress      = "wallet_getAddress"
	methodGetAssetBalance = "wallet_getAssetBalance"
	methodGetAssetCoins   = "wallet_getAssetCoins"
	methodSignCoinSpends  = "wallet_signCoinSpends"
	methodSignMessage     = "wallet_signMessage"
	methodSendTransaction = "wallet_sendTransaction"
	methodCreateOffer     = "wallet_createOffer"
	methodTakeOffer       = "wallet_takeOffer"
	methodCancelOffer     = "wallet_cancelOffer"
)

// Wallet is the typed facade over the Dispatcher: one method per wire
// operation, no state of its own.
type Wallet struct {
	dispatcher *Dispatcher
}

// NewWallet wraps a Dispatcher.
func NewWallet(dispatcher *Dispatcher) *Wallet {
	return &Wallet{dispatcher: dispatcher}
}

// AssetBalanceRequest selects which asset balance to query.
type AssetBalanceRequest struct {
	// Type is the asset class: "native", "cat", or "nft".
	Type string `json:"type"`
	// AssetID is empty for the native asset.
	AssetID string `json:"assetId,omitempty"`
}

// AssetBalance is the agent's balance report for one asset.
type AssetBalance struct {
	Confirmed       string `json:"confirmed"`
	Spendable       string `json:"spendable"`
	SpendableCoins  int    `json:"spendableCoinCount"`
	PendingChange   string `json:"pendingChange"`
	PendingBalance  string `json:"pendingCoinRemovalCount"`
	UnconfirmedWait string `json:"unconfirmed,omitempty"`
}

// AssetCoinsRequest selects coins of one asset, optionally including
// coins locked by pending transactions.
type AssetCoinsRequest struct {
	Type          string `json:"type"`
	AssetID       string `json:"assetId,omitempty"`
	IncludeLocked bool   `json:"includedLocked,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// CoinRecord is one spendable coin as the agent reports it.
type CoinRecord struct {
	Coin struct {
		Amount         uint64 `json:"amount"`
		ParentCoinInfo string `json:"parent_coin_info"`
		PuzzleHash     string `json:"puzzle_hash"`
	} `json:"coin"`
	CoinName         string `json:"coinName"`
	ConfirmedBlock   uint32 `json:"confirmedBlockIndex"`
	SpentBlock       uint32 `json:"spentBlockIndex"`
	Locked           bool   `json:"locked"`
	PuzzleReveal     string `json:"puzzle,omitempty"`
	LineageProofHint string `json:"lineageProof,omitempty"`
}

// CoinSpend pairs a coin with the puzzle and solution that spend it.
type CoinSpend struct {
	Coin         json.RawMessage `json:"coin"`
	PuzzleReveal string          `json:"puzzle_reveal"`
	Solution     string          `json:"solution"`
}

// SignCoinSpendsRequest asks the agent to sign a set of coin spends.
type SignCoinSpendsRequest struct {
	CoinSpends  []CoinSpend `json:"coinSpends"`
	PartialSign bool        `json:"partialSign,omitempty"`
}

// SignMessageRequest asks the agent to sign an arbitrary message with
// the key behind address.
type SignMessageRequest struct {
	Message string `json:"message"`
	Address string `json:"address"`
}

// SignedMessage is the agent's signature over a message.
type SignedMessage struct {
	PublicKey   string `json:"publicKey"`
	Signature   string `json:"signature"`
	SigningMode string `json:"signingMode,omitempty"`
}

// SendTransactionRequest submits a plain value transfer.
type SendTransactionRequest struct {
	Address string   `json:"address"`
	Amount  uint64   `json:"amount"`
	Fee     uint64   `json:"fee"`
	Memos   []string `json:"memos,omitempty"`
}

// TransactionResponse reports the submitted transaction.
type TransactionResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// OfferAsset is one side's asset and amount in an offer.
type OfferAsset struct {
	AssetID string `json:"assetId"`
	Amount  uint64 `json:"amount"`
}

// CreateOfferRequest asks the agent to build and sign an offer.
type CreateOfferRequest struct {
	OfferAssets   []OfferAsset `json:"offerAssets"`
	RequestAssets []OfferAsset `json:"requestAssets"`
	Fee           uint64       `json:"fee"`
	ValidateOnly  bool         `json:"validateOnly,omitempty"`
}

// CreateOfferResponse carries the signed offer blob and the
// wallet-assigned trade id.
type CreateOfferResponse struct {
	Offer   string `json:"offer"`
	TradeID string `json:"tradeRecordId"`
}

// TakeOfferRequest accepts someone else's signed offer.
type TakeOfferRequest struct {
	Offer string `json:"offer"`
	Fee   uint64 `json:"fee"`
}

// TakeOfferResponse reports the accepted trade.
type TakeOfferResponse struct {
	TradeID string `json:"tradeRecordId"`
}

// CancelOfferRequest cancels a previously created offer. Secure
// cancellation spends the offered coins on-chain; insecure merely
// forgets the offer locally at the agent.
type CancelOfferRequest struct {
	TradeID string `json:"tradeId"`
	Fee     uint64 `json:"fee"`
	Secure  bool   `json:"secure"`
}

// Address returns the wallet's current receive address.
func (w *Wallet) Address(ctx context.Context) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := w.dispatcher.Call(ctx, methodGetAddress, nil, &result); err != nil {
		return "", err
	}
	return result.Address, nil
}

// AssetBalance queries the balance of one asset.
func (w *Wallet) AssetBalance(ctx context.Context, request AssetBalanceRequest) (*AssetBalance, error) {
	var result AssetBalance
	if err := w.dispatcher.Call(ctx, methodGetAssetBalance, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AssetCoins lists coins of one asset.
func (w *Wallet) AssetCoins(ctx context.Context, request AssetCoinsRequest) ([]CoinRecord, error) {
	var result []CoinRecord
	if err := w.dispatcher.Call(ctx, methodGetAssetCoins, request, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SignCoinSpends asks the agent to sign coin spends, returning the
// aggregated signature.
func (w *Wallet) SignCoinSpends(ctx context.Context, request SignCoinSpendsRequest) (string, error) {
	var result struct {
		Signature string `json:"signature"`
	}
	if err := w.dispatcher.Call(ctx, methodSignCoinSpends, request, &result); err != nil {
		return "", err
	}
	return result.Signature, nil
}

// SignMessage asks the agent to sign a message with the key behind an
// address.
func (w *Wallet) SignMessage(ctx context.Context, request SignMessageRequest) (*SignedMessage, error) {
	var result SignedMessage
	if err := w.dispatcher.Call(ctx, methodSignMessage, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendTransaction submits a value transfer.
func (w *Wallet) SendTransaction(ctx context.Context, request SendTransactionRequest) (*TransactionResponse, error) {
	var result TransactionResponse
	if err := w.dispatcher.Call(ctx, methodSendTransaction, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateOffer asks the agent to build and sign a trade offer.
func (w *Wallet) CreateOffer(ctx context.Context, request CreateOfferRequest) (*CreateOfferResponse, error) {
	var result CreateOfferResponse
	if err := w.dispatcher.Call(ctx, methodCreateOffer, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TakeOffer accepts a signed offer.
func (w *Wallet) TakeOffer(ctx context.Context, request TakeOfferRequest) (*TakeOfferResponse, error) {
	var result TakeOfferResponse
	if err := w.dispatcher.Call(ctx, methodTakeOffer, request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOffer cancels a previously created offer.
func (w *Wallet) CancelOffer(ctx context.Context, request CancelOfferRequest) error {
	return w.dispatcher.Call(ctx, methodCancelOffer, request, nil)
}
