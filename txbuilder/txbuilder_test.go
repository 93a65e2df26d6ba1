package txbuilder

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"

	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/trie"
)

func randTxid(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}

func p2pkhScript(t *testing.T, params *chaincfg.Params) []byte {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(
		dcrutil.Hash160(priv.PubKey().SerializeCompressed()), params)
	if err != nil {
		t.Fatalf("p2pkh addr: %v", err)
	}
	_, script := addr.PaymentScript()
	return script
}

// testContract builds a contract with real keys on both sides and returns the
// private keys for signing tests.
func testContract(t *testing.T) (*contract.Contract, *secp256k1.PrivateKey, *secp256k1.PrivateKey) {
	t.Helper()
	params := chaincfg.SimNetParams()
	offerPriv, _ := secp256k1.GeneratePrivateKey()
	acceptPriv, _ := secp256k1.GeneratePrivateKey()

	c := &contract.Contract{
		TemporaryID: make([]byte, 32),
		State:       contract.StateOffered,
		Offer: contract.Party{
			PubKey:       offerPriv.PubKey().SerializeCompressed(),
			Collateral:   5_0000_0000,
			PayoutScript: p2pkhScript(t, params),
			ChangeScript: p2pkhScript(t, params),
			FundingInputs: []contract.FundingInput{
				{TxID: randTxid(t), Vout: 1, Value: 6_0000_0000, PkScript: p2pkhScript(t, params)},
			},
		},
		Accept: contract.Party{
			PubKey:       acceptPriv.PubKey().SerializeCompressed(),
			Collateral:   3_0000_0000,
			PayoutScript: p2pkhScript(t, params),
			ChangeScript: p2pkhScript(t, params),
			FundingInputs: []contract.FundingInput{
				{TxID: randTxid(t), Vout: 0, Value: 2_0000_0000, PkScript: p2pkhScript(t, params)},
				{TxID: randTxid(t), Vout: 3, Value: 1_5000_0000, PkScript: p2pkhScript(t, params)},
			},
		},
		FeeRate:        10_000,
		CETLocktime:    0,
		RefundLocktime: 5000,
	}
	return c, offerPriv, acceptPriv
}

func TestFundingRedeemScriptKeyOrder(t *testing.T) {
	b := New(chaincfg.SimNetParams())
	c, _, _ := testContract(t)
	r1, err := b.FundingRedeemScript(c.Offer.PubKey, c.Accept.PubKey)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	r2, err := b.FundingRedeemScript(c.Accept.PubKey, c.Offer.PubKey)
	if err != nil {
		t.Fatalf("redeem swapped: %v", err)
	}
	if !bytes.Equal(r1, r2) {
		t.Fatalf("redeem script depends on argument order")
	}
}

func TestBuildFundingDeterministic(t *testing.T) {
	b := New(chaincfg.SimNetParams())
	c, _, _ := testContract(t)

	tx1, err := b.BuildFunding(c)
	if err != nil {
		t.Fatalf("build funding: %v", err)
	}

	// Shuffle the accept inputs; the canonical input ordering must absorb it.
	c2 := *c
	c2.Accept.FundingInputs = []contract.FundingInput{
		c.Accept.FundingInputs[1], c.Accept.FundingInputs[0],
	}
	tx2, err := b.BuildFunding(&c2)
	if err != nil {
		t.Fatalf("build funding shuffled: %v", err)
	}
	if tx1.TxHash() != tx2.TxHash() {
		t.Fatalf("funding txid differs across input orderings")
	}

	if tx1.TxOut[0].Value != c.TotalCollateral() {
		t.Fatalf("multisig output carries %d, want %d", tx1.TxOut[0].Value, c.TotalCollateral())
	}

	// Funding txid must not move once signature scripts are attached.
	before := tx1.TxHash()
	tx1.TxIn[0].SignatureScript = bytes.Repeat([]byte{0x51}, 100)
	if tx1.TxHash() != before {
		t.Fatalf("funding txid changed when witness data was attached")
	}
}

func TestBuildCETDustPolicy(t *testing.T) {
	b := New(chaincfg.SimNetParams())
	c, _, _ := testContract(t)
	total := c.TotalCollateral()

	// Extreme leaf: everything to the offer side. The accept output is zero
	// and must be dropped.
	winAll := &trie.Leaf{Payout: total, Start: 64, End: 128, Prefix: []int{1}, Combination: []int{0}}
	tx, err := b.BuildCET(c, winAll)
	if err != nil {
		t.Fatalf("build cet: %v", err)
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("expected single output, got %d", len(tx.TxOut))
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, c.Offer.PayoutScript) {
		t.Fatalf("sole output does not pay the offer side")
	}
	fee := b.cetFee(c)
	if tx.TxOut[0].Value != total-fee {
		t.Fatalf("offer output %d, want %d", tx.TxOut[0].Value, total-fee)
	}

	// Everything to the accept side: the offer output absorbs the fee and
	// disappears entirely.
	loseAll := &trie.Leaf{Payout: 0, Start: 0, End: 64, Prefix: []int{0}, Combination: []int{0}}
	tx, err = b.BuildCET(c, loseAll)
	if err != nil {
		t.Fatalf("build cet: %v", err)
	}
	if len(tx.TxOut) != 1 || !bytes.Equal(tx.TxOut[0].PkScript, c.Accept.PayoutScript) {
		t.Fatalf("sole output does not pay the accept side")
	}

	// A mid split keeps both outputs and conserves value minus fee.
	mid := &trie.Leaf{Payout: total / 2, Start: 0, End: 64, Prefix: []int{0}, Combination: []int{0}}
	tx, err = b.BuildCET(c, mid)
	if err != nil {
		t.Fatalf("build cet: %v", err)
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("expected two outputs, got %d", len(tx.TxOut))
	}
	fee = b.cetFee(c)
	if got := tx.TxOut[0].Value + tx.TxOut[1].Value; got != total-fee {
		t.Fatalf("outputs sum to %d, want %d", got, total-fee)
	}

	// The fee estimate is a function of the terms only: every CET of one
	// contract pays the same fee regardless of which outputs survive the
	// dust policy.
	txAll, _ := b.BuildCET(c, winAll)
	if txAll.TxOut[0].Value != total-fee {
		t.Fatalf("fee differs between one-output and two-output CETs")
	}
}

func TestBuildRefund(t *testing.T) {
	b := New(chaincfg.SimNetParams())
	c, _, _ := testContract(t)

	tx, err := b.BuildRefund(c)
	if err != nil {
		t.Fatalf("build refund: %v", err)
	}
	if tx.LockTime != c.RefundLocktime {
		t.Fatalf("locktime %d, want %d", tx.LockTime, c.RefundLocktime)
	}
	if tx.TxIn[0].Sequence == 0xffffffff {
		t.Fatalf("max sequence disables the locktime")
	}
	fee := b.cetFee(c)
	if tx.TxOut[0].Value != c.Offer.Collateral-fee {
		t.Fatalf("offer refund %d, want %d", tx.TxOut[0].Value, c.Offer.Collateral-fee)
	}
	if tx.TxOut[1].Value != c.Accept.Collateral {
		t.Fatalf("accept refund %d, want %d", tx.TxOut[1].Value, c.Accept.Collateral)
	}
}

func TestFinalizeSpendVM(t *testing.T) {
	b := New(chaincfg.SimNetParams())
	c, offerPriv, acceptPriv := testContract(t)

	leaf := &trie.Leaf{Payout: c.TotalCollateral() / 2, Prefix: []int{0}, Combination: []int{0}}
	cet, err := b.BuildCET(c, leaf)
	if err != nil {
		t.Fatalf("build cet: %v", err)
	}
	sighash, err := b.SpendSighash(c, cet)
	if err != nil {
		t.Fatalf("sighash: %v", err)
	}
	offerSig := ecdsa.Sign(offerPriv, sighash).Serialize()
	acceptSig := ecdsa.Sign(acceptPriv, sighash).Serialize()

	if err := b.FinalizeSpend(c, cet, offerSig, acceptSig); err != nil {
		t.Fatalf("finalize spend: %v", err)
	}
	if len(cet.TxIn[0].SignatureScript) == 0 {
		t.Fatalf("finalize left the signature script empty")
	}

	// Swapped signatures must fail the 2-of-2 check in the local VM.
	cet2, _ := b.BuildCET(c, leaf)
	if err := b.FinalizeSpend(c, cet2, acceptSig, offerSig); err == nil {
		t.Fatalf("vm accepted swapped signatures")
	}

	// A signature over a different transaction must fail.
	other, _ := b.BuildRefund(c)
	otherHash, _ := b.SpendSighash(c, other)
	badSig := ecdsa.Sign(offerPriv, otherHash).Serialize()
	cet3, _ := b.BuildCET(c, leaf)
	if err := b.FinalizeSpend(c, cet3, badSig, acceptSig); err == nil {
		t.Fatalf("vm accepted a signature for a different transaction")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	b := New(chaincfg.SimNetParams())
	c, _, _ := testContract(t)
	tx, err := b.BuildFunding(c)
	if err != nil {
		t.Fatalf("build funding: %v", err)
	}
	h, err := SerializeTx(tx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	back, err := DeserializeTx(h)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if back.TxHash() != tx.TxHash() {
		t.Fatalf("round trip changed the transaction")
	}
}
