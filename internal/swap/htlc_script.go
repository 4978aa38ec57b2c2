package swap

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// LockScript is the HTLC locking script for one swap payment on a UTXO
// chain, plus the P2WSH address derived from it.
//
// Script structure:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <receiver_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <lock_time> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <sender_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// The claim path requires the secret plus the receiver's signature; the
// refund path opens to the sender once the absolute lock time passes. The
// lock time is a unix timestamp, matching the swap's refund deadline.
type LockScript struct {
	Script     []byte
	Address    string
	SecretHash []byte
	LockTime   int64
}

// BuildLockScript assembles the HTLC script for the given parties and
// absolute lock time.
func BuildLockScript(secretHash, receiverPubKey, senderPubKey []byte, lockTime int64) ([]byte, error) {
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("secret hash must be 32 bytes, got %d", len(secretHash))
	}
	if len(receiverPubKey) != 33 || len(senderPubKey) != 33 {
		return nil, fmt.Errorf("pubkeys must be 33 bytes (compressed)")
	}
	if lockTime <= txscript.LockTimeThreshold {
		// Below the threshold, locktime is interpreted as a block height.
		return nil, fmt.Errorf("lock time %d is not a unix timestamp", lockTime)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(receiverPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(lockTime)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// NewLockScript builds the script and derives its P2WSH address.
func NewLockScript(secretHash, receiverPubKey, senderPubKey []byte, lockTime int64, netParams *chaincfg.Params) (*LockScript, error) {
	script, err := BuildLockScript(secretHash, receiverPubKey, senderPubKey, lockTime)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], netParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive P2WSH address: %w", err)
	}

	return &LockScript{
		Script:     script,
		Address:    address.EncodeAddress(),
		SecretHash: secretHash,
		LockTime:   lockTime,
	}, nil
}

// PkScript returns the P2WSH output script: OP_0 <32-byte script hash>.
func (l *LockScript) PkScript() []byte {
	scriptHash := sha256.Sum256(l.Script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	pkScript, _ := builder.Script()
	return pkScript
}

// ClaimWitness is the witness stack spending the claim path.
//
//	<signature> <secret> <1> <script>
func (l *LockScript) ClaimWitness(signature, secret []byte) [][]byte {
	return [][]byte{
		signature,
		secret,
		{0x01},
		l.Script,
	}
}

// RefundWitness is the witness stack spending the refund path.
//
//	<signature> <> <script>
func (l *LockScript) RefundWitness(signature []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		l.Script,
	}
}

// ParseLockScript validates a counterparty-provided script against the
// expected HTLC structure and extracts its components. A script that does
// not match the template exactly is rejected.
func ParseLockScript(script []byte, netParams *chaincfg.Params) (*LockScript, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("unexpected script structure at opcode %#x", op)
		}
		return nil
	}
	expectData := func(size int) ([]byte, error) {
		if !tokenizer.Next() {
			return nil, fmt.Errorf("script truncated")
		}
		data := tokenizer.Data()
		if len(data) != size {
			return nil, fmt.Errorf("expected %d-byte push, got %d", size, len(data))
		}
		return data, nil
	}

	if err := expectOp(txscript.OP_IF); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_SHA256); err != nil {
		return nil, err
	}
	secretHash, err := expectData(32)
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_EQUALVERIFY); err != nil {
		return nil, err
	}
	if _, err := expectData(33); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE); err != nil {
		return nil, err
	}

	if !tokenizer.Next() {
		return nil, fmt.Errorf("script truncated at lock time")
	}
	data := tokenizer.Data()
	if len(data) == 0 || len(data) > 5 {
		return nil, fmt.Errorf("invalid lock time push")
	}
	var lockTime int64
	for i := 0; i < len(data); i++ {
		lockTime |= int64(data[i]) << (8 * i)
	}
	if lockTime <= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("lock time %d is not a unix timestamp", lockTime)
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP); err != nil {
		return nil, err
	}
	if _, err := expectData(33); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF); err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], netParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive P2WSH address: %w", err)
	}

	return &LockScript{
		Script:     script,
		Address:    address.EncodeAddress(),
		SecretHash: secretHash,
		LockTime:   lockTime,
	}, nil
}
