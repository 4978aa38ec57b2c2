package swap

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/quasar-exchange/quasar/internal/account"
)

const lockedValue = int64(100_000)

type signerFixture struct {
	sender   *btcec.PrivateKey
	receiver *btcec.PrivateKey
	secret   []byte
	lock     *LockScript
}

func newSignerFixture(t *testing.T) *signerFixture {
	t.Helper()

	sender, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	secret, hash, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}

	lockTime := time.Now().Add(6 * time.Hour).Unix()
	lock, err := NewLockScript(
		hash,
		receiver.PubKey().SerializeCompressed(),
		sender.PubKey().SerializeCompressed(),
		lockTime,
		&chaincfg.MainNetParams,
	)
	if err != nil {
		t.Fatal(err)
	}

	return &signerFixture{sender: sender, receiver: receiver, secret: secret, lock: lock}
}

// lockSpendTx builds a one-input transaction spending the HTLC output to
// the given key's P2WPKH address.
func (f *signerFixture) lockSpendTx(t *testing.T, dest *btcec.PrivateKey) *wire.MsgTx {
	t.Helper()

	msgTx := wire.NewMsgTx(wire.TxVersion)
	hash, _ := chainhash.NewHashFromStr("aa" +
		"00000000000000000000000000000000000000000000000000000000000000")
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, 0), nil, nil))

	pubHash := btcutil.Hash160(dest.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubHash, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	destScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	msgTx.AddTxOut(wire.NewTxOut(lockedValue-5_000, destScript))
	return msgTx
}

// verifySpend runs the signed transaction through the script VM against
// the HTLC output.
func (f *signerFixture) verifySpend(tx *UTXOTransaction) error {
	pkScript := f.lock.PkScript()
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, lockedValue)
	hashes := txscript.NewTxSigHashes(tx.MsgTx, fetcher)

	vm, err := txscript.NewEngine(
		pkScript, tx.MsgTx, 0, txscript.StandardVerifyFlags,
		nil, hashes, lockedValue, fetcher)
	if err != nil {
		return err
	}
	return vm.Execute()
}

func TestSignerClaimSpendIsValid(t *testing.T) {
	f := newSignerFixture(t)

	tx := &UTXOTransaction{
		Symbol:        "BTC",
		MsgTx:         f.lockSpendTx(t, f.receiver),
		PrevOutValues: []uint64{uint64(lockedValue)},
		PrevOutScript: f.lock.PkScript(),
		SpendPath:     SpendClaim,
		Lock:          f.lock,
		Secret:        f.secret,
	}

	sign := NewUTXOSigner(f.receiver, &chaincfg.MainNetParams)
	signed, err := sign(context.Background(), tx, &account.WalletAddress{
		PublicKey: f.receiver.PubKey().SerializeCompressed(),
	})
	if err != nil || !signed {
		t.Fatalf("sign: signed=%v err=%v", signed, err)
	}

	if tx.SignedHex == "" {
		t.Error("SignedHex not filled")
	}
	if got := len(tx.MsgTx.TxIn[0].Witness); got != 4 {
		t.Fatalf("claim witness has %d items, want 4", got)
	}
	if err := f.verifySpend(tx); err != nil {
		t.Errorf("claim spend rejected by script engine: %v", err)
	}
}

func TestSignerClaimWithWrongSecretFailsVerification(t *testing.T) {
	f := newSignerFixture(t)

	wrong, _, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}

	tx := &UTXOTransaction{
		Symbol:        "BTC",
		MsgTx:         f.lockSpendTx(t, f.receiver),
		PrevOutValues: []uint64{uint64(lockedValue)},
		PrevOutScript: f.lock.PkScript(),
		SpendPath:     SpendClaim,
		Lock:          f.lock,
		Secret:        wrong,
	}

	sign := NewUTXOSigner(f.receiver, &chaincfg.MainNetParams)
	if signed, err := sign(context.Background(), tx, &account.WalletAddress{}); err != nil || !signed {
		t.Fatalf("sign: signed=%v err=%v", signed, err)
	}
	if err := f.verifySpend(tx); err == nil {
		t.Error("a claim with the wrong secret must not verify")
	}
}

func TestSignerRefundSpendIsValid(t *testing.T) {
	f := newSignerFixture(t)

	msgTx := f.lockSpendTx(t, f.sender)
	msgTx.LockTime = uint32(f.lock.LockTime)
	msgTx.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1

	tx := &UTXOTransaction{
		Symbol:        "BTC",
		MsgTx:         msgTx,
		PrevOutValues: []uint64{uint64(lockedValue)},
		PrevOutScript: f.lock.PkScript(),
		SpendPath:     SpendRefund,
		Lock:          f.lock,
	}

	sign := NewUTXOSigner(f.sender, &chaincfg.MainNetParams)
	if signed, err := sign(context.Background(), tx, &account.WalletAddress{}); err != nil || !signed {
		t.Fatalf("sign: signed=%v err=%v", signed, err)
	}

	if got := len(tx.MsgTx.TxIn[0].Witness); got != 3 {
		t.Fatalf("refund witness has %d items, want 3", got)
	}
	if err := f.verifySpend(tx); err != nil {
		t.Errorf("refund spend rejected by script engine: %v", err)
	}
}

func TestSignerRefundBeforeLockTimeFailsVerification(t *testing.T) {
	f := newSignerFixture(t)

	// Transaction lock time below the script's CLTV value.
	msgTx := f.lockSpendTx(t, f.sender)
	msgTx.LockTime = uint32(f.lock.LockTime - 3600)
	msgTx.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1

	tx := &UTXOTransaction{
		Symbol:        "BTC",
		MsgTx:         msgTx,
		PrevOutValues: []uint64{uint64(lockedValue)},
		PrevOutScript: f.lock.PkScript(),
		SpendPath:     SpendRefund,
		Lock:          f.lock,
	}

	sign := NewUTXOSigner(f.sender, &chaincfg.MainNetParams)
	if signed, err := sign(context.Background(), tx, &account.WalletAddress{}); err != nil || !signed {
		t.Fatalf("sign: signed=%v err=%v", signed, err)
	}
	if err := f.verifySpend(tx); err == nil {
		t.Error("a refund before the lock time must not verify")
	}
}

func TestSignerRegularSpendIsValid(t *testing.T) {
	f := newSignerFixture(t)

	// A single P2WPKH input owned by the sender key.
	pubHash := btcutil.Hash160(f.sender.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubHash, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	ownScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}

	msgTx := f.lockSpendTx(t, f.receiver)
	tx := &UTXOTransaction{
		Symbol:        "BTC",
		MsgTx:         msgTx,
		PrevOutValues: []uint64{uint64(lockedValue)},
	}

	sign := NewUTXOSigner(f.sender, &chaincfg.MainNetParams)
	if signed, err := sign(context.Background(), tx, &account.WalletAddress{}); err != nil || !signed {
		t.Fatalf("sign: signed=%v err=%v", signed, err)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(ownScript, lockedValue)
	hashes := txscript.NewTxSigHashes(msgTx, fetcher)
	vm, err := txscript.NewEngine(
		ownScript, msgTx, 0, txscript.StandardVerifyFlags,
		nil, hashes, lockedValue, fetcher)
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Execute(); err != nil {
		t.Errorf("regular spend rejected by script engine: %v", err)
	}
}

func TestSignerRefusesForeignAddress(t *testing.T) {
	f := newSignerFixture(t)

	tx := &UTXOTransaction{
		Symbol:        "BTC",
		MsgTx:         f.lockSpendTx(t, f.receiver),
		PrevOutValues: []uint64{uint64(lockedValue)},
	}

	sign := NewUTXOSigner(f.sender, &chaincfg.MainNetParams)
	signed, err := sign(context.Background(), tx, &account.WalletAddress{
		PublicKey: f.receiver.PubKey().SerializeCompressed(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed {
		t.Error("signer must refuse an address whose key it does not hold")
	}
}
