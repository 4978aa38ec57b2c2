package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/quasar-exchange/quasar/internal/account"
)

// NewUTXOSigner returns an account.Signer backed by a single secp256k1 key.
// Regular spends assume the inputs are P2WPKH outputs of the key's address;
// HTLC spends are signed against the transaction's lock script, with the
// witness assembled for the requested spend path.
func NewUTXOSigner(priv *btcec.PrivateKey, netParams *chaincfg.Params) account.Signer {
	return func(ctx context.Context, atx account.Transaction, address *account.WalletAddress) (bool, error) {
		tx, ok := atx.(*UTXOTransaction)
		if !ok {
			return false, fmt.Errorf("unexpected transaction type %T", atx)
		}
		if len(tx.MsgTx.TxIn) != len(tx.PrevOutValues) {
			return false, fmt.Errorf("have %d inputs but %d previous values",
				len(tx.MsgTx.TxIn), len(tx.PrevOutValues))
		}

		// Refuse to sign for an address this key does not own.
		pub := priv.PubKey().SerializeCompressed()
		if len(address.PublicKey) > 0 && !bytes.Equal(address.PublicKey, pub) {
			return false, nil
		}

		var err error
		switch tx.SpendPath {
		case SpendClaim, SpendRefund:
			err = signLockSpend(tx, priv)
		default:
			err = signRegularSpend(tx, priv, netParams)
		}
		if err != nil {
			return false, err
		}

		var buf bytes.Buffer
		if err := tx.MsgTx.Serialize(&buf); err != nil {
			return false, fmt.Errorf("serialize signed tx: %w", err)
		}
		tx.SignedHex = hex.EncodeToString(buf.Bytes())
		return true, nil
	}
}

// signLockSpend signs every input against the HTLC witness script and
// installs the claim or refund witness stack.
func signLockSpend(tx *UTXOTransaction, priv *btcec.PrivateKey) error {
	if tx.Lock == nil {
		return fmt.Errorf("lock spend without a lock script")
	}
	if tx.SpendPath == SpendClaim && len(tx.Secret) != 32 {
		return fmt.Errorf("claim spend without a secret")
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.MsgTx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint,
			wire.NewTxOut(int64(tx.PrevOutValues[i]), tx.PrevOutScript))
	}
	hashes := txscript.NewTxSigHashes(tx.MsgTx, fetcher)

	for i := range tx.MsgTx.TxIn {
		sig, err := txscript.RawTxInWitnessSignature(
			tx.MsgTx, hashes, i, int64(tx.PrevOutValues[i]),
			tx.Lock.Script, txscript.SigHashAll, priv)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		if tx.SpendPath == SpendClaim {
			tx.MsgTx.TxIn[i].Witness = tx.Lock.ClaimWitness(sig, tx.Secret)
		} else {
			tx.MsgTx.TxIn[i].Witness = tx.Lock.RefundWitness(sig)
		}
	}
	return nil
}

// signRegularSpend signs P2WPKH inputs owned by the key.
func signRegularSpend(tx *UTXOTransaction, priv *btcec.PrivateKey, netParams *chaincfg.Params) error {
	pubHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubHash, netParams)
	if err != nil {
		return err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.MsgTx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint,
			wire.NewTxOut(int64(tx.PrevOutValues[i]), pkScript))
	}
	hashes := txscript.NewTxSigHashes(tx.MsgTx, fetcher)

	for i := range tx.MsgTx.TxIn {
		witness, err := txscript.WitnessSignature(
			tx.MsgTx, hashes, i, int64(tx.PrevOutValues[i]),
			pkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.MsgTx.TxIn[i].Witness = witness
	}
	return nil
}
