// Package storage - swap persistence. Every committed flag transition is
// upserted here so the daemon can rebuild its control tasks after a restart.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasar-exchange/quasar/internal/swap"
	"github.com/quasar-exchange/quasar/pkg/helpers"
)

// Swap persistence errors
var (
	ErrSwapNotFound = errors.New("swap not found")
)

const swapColumns = `id, secret_hash, secret, symbol, side, price, qty,
	is_initiator, to_address, party_address, from_address,
	reward_for_redeem, party_reward_for_redeem,
	redeem_script, party_redeem_script, party_pub_key,
	time_stamp, payment_txid, party_payment_txid, redeem_txid, refund_txid,
	state_flags, created_at, updated_at`

// SaveSwap saves or updates a swap. Uses UPSERT - creates if not exists,
// updates if exists. Rows are never deleted.
func (s *Storage) SaveSwap(ctx context.Context, sw *swap.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	query := `
		INSERT INTO swaps (` + swapColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			secret = excluded.secret,
			from_address = excluded.from_address,
			redeem_script = excluded.redeem_script,
			party_redeem_script = excluded.party_redeem_script,
			party_pub_key = excluded.party_pub_key,
			payment_txid = excluded.payment_txid,
			party_payment_txid = excluded.party_payment_txid,
			redeem_txid = excluded.redeem_txid,
			refund_txid = excluded.refund_txid,
			state_flags = excluded.state_flags,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sw.ID,
		helpers.EncodeHex(sw.SecretHash),
		helpers.EncodeHex(sw.Secret),
		sw.Symbol,
		int(sw.Side),
		sw.Price.String(),
		sw.Qty.String(),
		boolToInt(sw.IsInitiator),
		sw.ToAddress,
		sw.PartyAddress,
		sw.FromAddress,
		sw.RewardForRedeem.String(),
		sw.PartyRewardForRedeem.String(),
		helpers.EncodeHex(sw.RedeemScript),
		helpers.EncodeHex(sw.PartyRedeemScript),
		helpers.EncodeHex(sw.PartyPubKey),
		sw.TimeStamp.UTC().Unix(),
		sw.PaymentTxID,
		sw.PartyPaymentTxID,
		sw.RedeemTxID,
		sw.RefundTxID,
		uint32(sw.StateFlags),
		now,
		now,
	)
	return err
}

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(ctx context.Context, id int64) (*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id)
	return scanSwap(row)
}

// GetActiveSwaps returns all swaps that have not been canceled. These are
// the swaps whose control tasks must be rebuilt on startup; the engines
// themselves skip the steps the flags prove are done.
func (s *Storage) GetActiveSwaps(ctx context.Context) ([]*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+swapColumns+` FROM swaps
		WHERE state_flags & ? = 0
		ORDER BY created_at ASC`, uint32(swap.FlagCanceled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*swap.Swap
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, sw)
	}

	return swaps, rows.Err()
}

// SwapCount returns counts of active and canceled swaps.
func (s *Storage) SwapCount(ctx context.Context) (active, canceled int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM swaps WHERE state_flags & ? = 0",
		uint32(swap.FlagCanceled)).Scan(&active)
	if err != nil {
		return
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM swaps WHERE state_flags & ? != 0",
		uint32(swap.FlagCanceled)).Scan(&canceled)
	return
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwap(row rowScanner) (*swap.Swap, error) {
	var sw swap.Swap
	var secretHash, secret, redeemScript, partyRedeemScript, partyPubKey string
	var price, qty, reward, partyReward string
	var side, isInitiator int
	var flags uint32
	var timeStamp, createdAt, updatedAt int64

	err := row.Scan(
		&sw.ID,
		&secretHash,
		&secret,
		&sw.Symbol,
		&side,
		&price,
		&qty,
		&isInitiator,
		&sw.ToAddress,
		&sw.PartyAddress,
		&sw.FromAddress,
		&reward,
		&partyReward,
		&redeemScript,
		&partyRedeemScript,
		&partyPubKey,
		&timeStamp,
		&sw.PaymentTxID,
		&sw.PartyPaymentTxID,
		&sw.RedeemTxID,
		&sw.RefundTxID,
		&flags,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSwapNotFound
		}
		return nil, err
	}

	sw.SecretHash = helpers.DecodeHex(secretHash)
	sw.Secret = helpers.DecodeHex(secret)
	sw.Side = swap.Side(side)
	sw.IsInitiator = isInitiator == 1
	sw.RedeemScript = helpers.DecodeHex(redeemScript)
	sw.PartyRedeemScript = helpers.DecodeHex(partyRedeemScript)
	sw.PartyPubKey = helpers.DecodeHex(partyPubKey)
	sw.TimeStamp = time.Unix(timeStamp, 0).UTC()
	sw.StateFlags = swap.StateFlags(flags)

	if sw.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("swap %d has bad price %q: %w", sw.ID, price, err)
	}
	if sw.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("swap %d has bad qty %q: %w", sw.ID, qty, err)
	}
	if sw.RewardForRedeem, err = decimal.NewFromString(reward); err != nil {
		return nil, fmt.Errorf("swap %d has bad reward %q: %w", sw.ID, reward, err)
	}
	if sw.PartyRewardForRedeem, err = decimal.NewFromString(partyReward); err != nil {
		return nil, fmt.Errorf("swap %d has bad party reward %q: %w", sw.ID, partyReward, err)
	}

	return &sw, nil
}
