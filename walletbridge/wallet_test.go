// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package walletbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/offermesh/offermesh/lib/clock"
	"github.com/offermesh/offermesh/relay"
)

// TestWalletMethodVocabulary drives every facade method through the
// memory transport and checks the wire method name and the decoded
// response. The agent side answers from a canned result per method.
func TestWalletMethodVocabulary(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dispatcher, memory := newTestBridge(t, fake)
	wallet := NewWallet(dispatcher)

	tests := []struct {
		name       string
		wantMethod string
		result     string
		call       func(ctx context.Context) error
	}{
		{
			name:       "get address",
			wantMethod: "wallet_getAddress",
			result:     `{"address": "xch1qqq"}`,
			call: func(ctx context.Context) error {
				address, err := wallet.Address(ctx)
				if err == nil && address != "xch1qqq" {
					t.Errorf("Address: got %q, want %q", address, "xch1qqq")
				}
				return err
			},
		},
		{
			name:       "asset balance",
			wantMethod: "wallet_getAssetBalance",
			result:     `{"confirmed": "1000", "spendable": "900", "spendableCoinCount": 3}`,
			call: func(ctx context.Context) error {
				balance, err := wallet.AssetBalance(ctx, AssetBalanceRequest{Type: "cat", AssetID: "a1"})
				if err == nil && balance.Spendable != "900" {
					t.Errorf("AssetBalance spendable: got %q, want %q", balance.Spendable, "900")
				}
				return err
			},
		},
		{
			name:       "asset coins",
			wantMethod: "wallet_getAssetCoins",
			result:     `[{"coinName": "c1", "locked": false}]`,
			call: func(ctx context.Context) error {
				coins, err := wallet.AssetCoins(ctx, AssetCoinsRequest{Type: "xch"})
				if err == nil && len(coins) != 1 {
					t.Errorf("AssetCoins: got %d records, want 1", len(coins))
				}
				return err
			},
		},
		{
			name:       "sign coin spends",
			wantMethod: "wallet_signCoinSpends",
			result:     `{"signature": "0xdeadbeef"}`,
			call: func(ctx context.Context) error {
				signature, err := wallet.SignCoinSpends(ctx, SignCoinSpendsRequest{})
				if err == nil && signature != "0xdeadbeef" {
					t.Errorf("SignCoinSpends: got %q", signature)
				}
				return err
			},
		},
		{
			name:       "sign message",
			wantMethod: "wallet_signMessage",
			result:     `{"signature": "sig", "publicKey": "pk"}`,
			call: func(ctx context.Context) error {
				signed, err := wallet.SignMessage(ctx, SignMessageRequest{Message: "hello"})
				if err == nil && signed.Signature != "sig" {
					t.Errorf("SignMessage signature: got %q, want %q", signed.Signature, "sig")
				}
				return err
			},
		},
		{
			name:       "send transaction",
			wantMethod: "wallet_sendTransaction",
			result:     `{"transactionId": "tx1", "status": "SUCCESS"}`,
			call: func(ctx context.Context) error {
				response, err := wallet.SendTransaction(ctx, SendTransactionRequest{Address: "xch1qqq", Amount: 1})
				if err == nil && response.TransactionID != "tx1" {
					t.Errorf("SendTransaction id: got %q, want %q", response.TransactionID, "tx1")
				}
				return err
			},
		},
		{
			name:       "create offer",
			wantMethod: "wallet_createOffer",
			result:     `{"offer": "offer1abc", "tradeRecordId": "t-1"}`,
			call: func(ctx context.Context) error {
				created, err := wallet.CreateOffer(ctx, CreateOfferRequest{Fee: 100})
				if err == nil && created.TradeID != "t-1" {
					t.Errorf("CreateOffer trade id: got %q, want %q", created.TradeID, "t-1")
				}
				return err
			},
		},
		{
			name:       "take offer",
			wantMethod: "wallet_takeOffer",
			result:     `{"tradeRecordId": "t-2"}`,
			call: func(ctx context.Context) error {
				taken, err := wallet.TakeOffer(ctx, TakeOfferRequest{Offer: "offer1abc"})
				if err == nil && taken.TradeID != "t-2" {
					t.Errorf("TakeOffer trade id: got %q, want %q", taken.TradeID, "t-2")
				}
				return err
			},
		},
		{
			name:       "cancel offer",
			wantMethod: "wallet_cancelOffer",
			result:     `{}`,
			call: func(ctx context.Context) error {
				return wallet.CancelOffer(ctx, CancelOfferRequest{TradeID: "t-1", Secure: true})
			},
		},
	}

	for _, test := range tests {
		methods := make(chan string, 1)
		go func() {
			request := <-memory.AgentInbox()
			methods <- request.Method
			memory.AgentSend(relay.Envelope{ID: request.ID, Result: json.RawMessage(test.result)})
		}()
		if err := test.call(t.Context()); err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		if got := <-methods; got != test.wantMethod {
			t.Errorf("%s: wire method %q, want %q", test.name, got, test.wantMethod)
		}
	}
}
