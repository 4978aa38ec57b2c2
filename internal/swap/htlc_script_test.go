package swap

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

func testScriptParts(t *testing.T) (secretHash, receiverPub, senderPub []byte, lockTime int64) {
	t.Helper()
	_, hash, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	receiverPub = append([]byte{0x02}, bytes.Repeat([]byte{0x11}, 32)...)
	senderPub = append([]byte{0x03}, bytes.Repeat([]byte{0x22}, 32)...)
	lockTime = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).Unix()
	return hash, receiverPub, senderPub, lockTime
}

func TestLockScriptRoundTrip(t *testing.T) {
	hash, recv, send, lockTime := testScriptParts(t)

	lock, err := NewLockScript(hash, recv, send, lockTime, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewLockScript() error = %v", err)
	}
	if !strings.HasPrefix(lock.Address, "bc1q") {
		t.Errorf("Address = %s, want P2WSH bech32", lock.Address)
	}

	parsed, err := ParseLockScript(lock.Script, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("ParseLockScript() error = %v", err)
	}
	if !bytes.Equal(parsed.SecretHash, hash) {
		t.Errorf("SecretHash = %x, want %x", parsed.SecretHash, hash)
	}
	if parsed.LockTime != lockTime {
		t.Errorf("LockTime = %d, want %d", parsed.LockTime, lockTime)
	}
	if parsed.Address != lock.Address {
		t.Errorf("Address = %s, want %s", parsed.Address, lock.Address)
	}
}

func TestLockScriptRejectsBlockHeightLockTime(t *testing.T) {
	hash, recv, send, _ := testScriptParts(t)

	// Small lock times are block heights, not timestamps; a counterparty
	// could otherwise trick us into an effectively unlocked HTLC.
	if _, err := BuildLockScript(hash, recv, send, 500_000); err == nil {
		t.Error("BuildLockScript accepted a block-height lock time")
	}
}

func TestLockScriptRejectsBadInputs(t *testing.T) {
	hash, recv, send, lockTime := testScriptParts(t)

	if _, err := BuildLockScript(hash[:16], recv, send, lockTime); err == nil {
		t.Error("accepted a short secret hash")
	}
	if _, err := BuildLockScript(hash, recv[:20], send, lockTime); err == nil {
		t.Error("accepted an uncompressed-length receiver key")
	}
}

func TestParseRejectsTamperedScript(t *testing.T) {
	hash, recv, send, lockTime := testScriptParts(t)

	script, err := BuildLockScript(hash, recv, send, lockTime)
	if err != nil {
		t.Fatalf("BuildLockScript() error = %v", err)
	}

	truncated := script[:len(script)-2]
	if _, err := ParseLockScript(truncated, &chaincfg.MainNetParams); err == nil {
		t.Error("accepted a truncated script")
	}

	// Swap the leading OP_IF for something else entirely.
	mutated := append([]byte(nil), script...)
	mutated[0] = 0x51 // OP_1
	if _, err := ParseLockScript(mutated, &chaincfg.MainNetParams); err == nil {
		t.Error("accepted a script with a foreign opcode")
	}
}

func TestWitnessShapes(t *testing.T) {
	hash, recv, send, lockTime := testScriptParts(t)

	lock, err := NewLockScript(hash, recv, send, lockTime, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewLockScript() error = %v", err)
	}

	secret, _, _ := GenerateSecret()
	sig := []byte{0x30, 0x44, 0x02, 0x20}

	claim := lock.ClaimWitness(sig, secret)
	if len(claim) != 4 {
		t.Fatalf("claim witness has %d items, want 4", len(claim))
	}
	if !bytes.Equal(claim[1], secret) {
		t.Error("claim witness must carry the secret second")
	}
	if !bytes.Equal(claim[2], []byte{0x01}) {
		t.Error("claim witness must select the IF branch")
	}
	if !bytes.Equal(claim[3], lock.Script) {
		t.Error("claim witness must end with the script")
	}

	refund := lock.RefundWitness(sig)
	if len(refund) != 3 {
		t.Fatalf("refund witness has %d items, want 3", len(refund))
	}
	if len(refund[1]) != 0 {
		t.Error("refund witness must select the ELSE branch with an empty item")
	}
	if !bytes.Equal(refund[2], lock.Script) {
		t.Error("refund witness must end with the script")
	}
}

func TestPkScriptIsP2WSH(t *testing.T) {
	hash, recv, send, lockTime := testScriptParts(t)

	lock, err := NewLockScript(hash, recv, send, lockTime, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewLockScript() error = %v", err)
	}

	pkScript := lock.PkScript()
	if len(pkScript) != 34 {
		t.Fatalf("pkScript length = %d, want 34", len(pkScript))
	}
	if pkScript[0] != 0x00 || pkScript[1] != 0x20 {
		t.Errorf("pkScript prefix = %x %x, want OP_0 PUSH32", pkScript[0], pkScript[1])
	}
}
