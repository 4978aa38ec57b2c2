// Package swap implements the cross-chain atomic swap lifecycle: the swap
// state machine, the per-chain control tasks that watch the involved
// ledgers, and one swap engine per chain family driving payment, redeem and
// refund transactions.
package swap

import (
	"crypto/sha256"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasar-exchange/quasar/pkg/helpers"
)

// StateFlags is a bitset of facts acquired over a swap's lifetime. Flags
// are only ever added, never cleared; Canceled is terminal.
type StateFlags uint32

const (
	FlagEmpty                 StateFlags = 0
	FlagPaymentSigned         StateFlags = 1 << 0
	FlagPaymentBroadcast      StateFlags = 1 << 1
	FlagPaymentConfirmed      StateFlags = 1 << 2
	FlagPartyPaymentConfirmed StateFlags = 1 << 3
	FlagPartyPaymentSpent     StateFlags = 1 << 4
	FlagRedeemSigned          StateFlags = 1 << 5
	FlagRedeemBroadcast       StateFlags = 1 << 6
	FlagRedeemConfirmed       StateFlags = 1 << 7
	FlagRefundSigned          StateFlags = 1 << 8
	FlagRefundBroadcast       StateFlags = 1 << 9
	FlagRefundConfirmed       StateFlags = 1 << 10
	FlagCanceled              StateFlags = 1 << 11
)

func (f StateFlags) Has(flag StateFlags) bool {
	return f&flag == flag
}

func (f StateFlags) String() string {
	if f == FlagEmpty {
		return "empty"
	}

	names := []struct {
		flag StateFlags
		name string
	}{
		{FlagPaymentSigned, "payment_signed"},
		{FlagPaymentBroadcast, "payment_broadcast"},
		{FlagPaymentConfirmed, "payment_confirmed"},
		{FlagPartyPaymentConfirmed, "party_payment_confirmed"},
		{FlagPartyPaymentSpent, "party_payment_spent"},
		{FlagRedeemSigned, "redeem_signed"},
		{FlagRedeemBroadcast, "redeem_broadcast"},
		{FlagRedeemConfirmed, "redeem_confirmed"},
		{FlagRefundSigned, "refund_signed"},
		{FlagRefundBroadcast, "refund_broadcast"},
		{FlagRefundConfirmed, "refund_confirmed"},
		{FlagCanceled, "canceled"},
	}

	var parts []string
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Side is the trade side relative to the symbol's base currency.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Swap is the aggregate root: the persistent record of one swap's progress.
// It is mutated exclusively by the engines; every flag change raises an
// update event and is persisted by the storage listener. Records are never
// deleted - Canceled marks a swap dead.
type Swap struct {
	// ID is assigned by the matching server; immutable once set.
	ID int64

	// SecretHash commits to the secret; set before any on-chain action.
	SecretHash []byte

	// Secret is the pre-image, absent until revealed on-chain or generated
	// locally by the initiator. Once set, immutable.
	Secret []byte

	// Trade parameters, immutable after creation. Symbol is "BASE/QUOTE".
	Symbol string
	Side   Side
	Price  decimal.Decimal
	Qty    decimal.Decimal

	// IsInitiator distinguishes the two roles. The initiator commits first
	// and owns the secret; the acceptor mirrors the commitment.
	IsInitiator bool

	// Payout and routing, set at creation. FromAddress records the primary
	// funding address once the payment goes out, so a refund returns there.
	ToAddress            string
	PartyAddress         string
	FromAddress          string
	RewardForRedeem      decimal.Decimal
	PartyRewardForRedeem decimal.Decimal

	// UTXO chains only: this party's HTLC locking script and the one the
	// counterparty communicated for their payment. PartyPubKey is the
	// counterparty's compressed public key on this party's sold chain.
	RedeemScript      []byte
	PartyRedeemScript []byte
	PartyPubKey       []byte

	// TimeStamp anchors every lock-time deadline.
	TimeStamp time.Time

	// Transaction ids per lifecycle step, own chain and counterparty chain.
	PaymentTxID      string
	PartyPaymentTxID string
	RedeemTxID       string
	RefundTxID       string

	StateFlags StateFlags
}

func (s *Swap) IsAcceptor() bool {
	return !s.IsInitiator
}

// SetFlags ORs new flags in and reports which of them were not already
// set. Flags never clear.
func (s *Swap) SetFlags(flags StateFlags) StateFlags {
	changed := flags &^ s.StateFlags
	s.StateFlags |= flags
	return changed
}

// Cancel marks the swap terminally dead. Only valid before payment
// broadcast; a swap with funds in flight must run its redeem or refund
// path instead.
func (s *Swap) Cancel() {
	s.StateFlags |= FlagCanceled
}

func (s *Swap) IsCanceled() bool {
	return s.StateFlags.Has(FlagCanceled)
}

// BaseCurrency returns the symbol's base currency.
func (s *Swap) BaseCurrency() string {
	base, _, _ := strings.Cut(s.Symbol, "/")
	return base
}

// QuoteCurrency returns the symbol's quote currency.
func (s *Swap) QuoteCurrency() string {
	_, quote, _ := strings.Cut(s.Symbol, "/")
	return quote
}

// SoldCurrency is the currency this party pays out.
func (s *Swap) SoldCurrency() string {
	if s.Side == SideSell {
		return s.BaseCurrency()
	}
	return s.QuoteCurrency()
}

// PurchasedCurrency is the currency this party receives.
func (s *Swap) PurchasedCurrency() string {
	if s.Side == SideSell {
		return s.QuoteCurrency()
	}
	return s.BaseCurrency()
}

// SoldAmount is how much of the sold currency this party must pay.
func (s *Swap) SoldAmount() decimal.Decimal {
	if s.Side == SideSell {
		return s.Qty
	}
	return s.Qty.Mul(s.Price)
}

// PurchasedAmount is how much of the purchased currency this party is owed.
func (s *Swap) PurchasedAmount() decimal.Decimal {
	if s.Side == SideSell {
		return s.Qty.Mul(s.Price)
	}
	return s.Qty
}

// IsSoldCurrency reports whether the given currency is this swap's payer
// side for this party.
func (s *Swap) IsSoldCurrency(currency string) bool {
	return s.SoldCurrency() == currency
}

// SetSecret stores the revealed pre-image after validating it against the
// committed hash. Returns false for a mismatched or duplicate secret.
func (s *Swap) SetSecret(secret []byte) bool {
	if len(s.Secret) > 0 {
		return helpers.BytesEqual(s.Secret, secret)
	}
	if !VerifySecret(secret, s.SecretHash) {
		return false
	}
	s.Secret = append([]byte(nil), secret...)
	return true
}

// GenerateSecret creates a 32-byte secret and its SHA256 commitment.
func GenerateSecret() (secret, hash []byte, err error) {
	secret, err = helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, nil, err
	}
	digest := sha256.Sum256(secret)
	return secret, digest[:], nil
}

// VerifySecret checks that a secret matches the committed hash.
func VerifySecret(secret, expectedHash []byte) bool {
	if len(secret) != 32 || len(expectedHash) != 32 {
		return false
	}
	digest := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(digest[:], expectedHash)
}
