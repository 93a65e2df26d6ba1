// Package txbuilder materializes the funding, contract execution and refund
// transactions for a contract. Every builder function is a pure function of
// the contract terms: both parties must derive byte-identical unsigned
// transactions, so inputs are ordered by (txid, vout), the multisig keys
// lexicographically, and all fee and dust arithmetic is integer only.
package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"

	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/trie"
)

const (
	// DefaultDustLimit is the smallest output value a CET or change output
	// may carry; anything below is redirected per the dust policy.
	DefaultDustLimit = 6030

	// Sequence enabling locktime enforcement while disabling CSV.
	lockTimeSequence = 0xfffffffe

	// Conservative signature-script size estimates used for fee math.
	p2pkhSigScriptSize    = 1 + 73 + 1 + 33
	multisigSigScriptSize = 1 + 73 + 1 + 73 + 1 + 71

	// Serialized size of a one-input transaction before its signature
	// script and outputs (header, input prefix and witness, varints), and
	// of one standard P2PKH or P2SH output.
	spendTxBaseSize = 73
	spendTxOutSize  = 36
)

// Builder derives contract transactions for one network.
type Builder struct {
	Params    *chaincfg.Params
	DustLimit int64
}

// New returns a Builder with the default dust policy.
func New(params *chaincfg.Params) *Builder {
	return &Builder{Params: params, DustLimit: DefaultDustLimit}
}

// sortFundingKeys returns the two funding pubkeys in lexicographic order,
// the fixed rule both parties use so the redeem script is identical on both
// sides.
func sortFundingKeys(a, b []byte) ([]byte, []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// FundingRedeemScript builds the 2-of-2 CHECKMULTISIG redeem script over the
// lexicographically ordered party keys.
func (b *Builder) FundingRedeemScript(pubA, pubB []byte) ([]byte, error) {
	if len(pubA) != 33 || len(pubB) != 33 {
		return nil, fmt.Errorf("need 33-byte compressed pubkeys")
	}
	k1, k2 := sortFundingKeys(pubA, pubB)
	sb := txscript.NewScriptBuilder()
	sb.AddOp(txscript.OP_2).
		AddData(k1).
		AddData(k2).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG)
	return sb.Script()
}

// FundingOutputScript wraps the redeem script into a P2SH pkScript and
// returns it with its human-readable address.
func (b *Builder) FundingOutputScript(redeem []byte) ([]byte, string, error) {
	a, err := stdaddr.NewAddressScriptHash(0, redeem, b.Params)
	if err != nil {
		return nil, "", err
	}
	_, pk := a.PaymentScript()
	return pk, a.String(), nil
}

// sortedInputs merges both parties' funding inputs into the deterministic
// (txid asc, vout asc) order used by the funding transaction.
func sortedInputs(c *contract.Contract) []contract.FundingInput {
	ins := make([]contract.FundingInput, 0,
		len(c.Offer.FundingInputs)+len(c.Accept.FundingInputs))
	ins = append(ins, c.Offer.FundingInputs...)
	ins = append(ins, c.Accept.FundingInputs...)
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].TxID == ins[j].TxID {
			return ins[i].Vout < ins[j].Vout
		}
		return ins[i].TxID < ins[j].TxID
	})
	return ins
}

// feeFor computes fee atoms for an estimated size at the contract fee rate
// (atoms/kB), rounding up so both parties overpay identically rather than
// undershooting the rate.
func feeFor(estSize int, feeRate int64) int64 {
	return (int64(estSize)*feeRate + 999) / 1000
}

// BuildFunding constructs the unsigned funding transaction: every committed
// input in canonical order, the 2-of-2 output at index 0 carrying the total
// collateral, then per-party change. The funding fee is deducted from the
// offer party's change by convention; change below the dust limit is
// forfeited to fees. The txid is stable before signing since signature
// scripts live in the witness area.
func (b *Builder) BuildFunding(c *contract.Contract) (*wire.MsgTx, error) {
	redeem, err := b.FundingRedeemScript(c.Offer.PubKey, c.Accept.PubKey)
	if err != nil {
		return nil, err
	}
	fundScript, _, err := b.FundingOutputScript(redeem)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx()
	tx.Version = 1
	for _, in := range sortedInputs(c) {
		var h chainhash.Hash
		if err := chainhash.Decode(&h, in.TxID); err != nil {
			return nil, fmt.Errorf("bad funding input txid %q: %w", in.TxID, err)
		}
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: h, Index: in.Vout},
			Sequence:         wire.MaxTxInSequenceNum,
			ValueIn:          in.Value,
		})
	}
	tx.AddTxOut(&wire.TxOut{Value: c.TotalCollateral(), PkScript: fundScript})

	fee := feeFor(tx.SerializeSize()+len(tx.TxIn)*p2pkhSigScriptSize+2*36, c.FeeRate)

	var offerIn, acceptIn int64
	for _, in := range c.Offer.FundingInputs {
		offerIn += in.Value
	}
	for _, in := range c.Accept.FundingInputs {
		acceptIn += in.Value
	}
	offerChange := offerIn - c.Offer.Collateral - fee
	acceptChange := acceptIn - c.Accept.Collateral
	if offerChange < 0 {
		return nil, fmt.Errorf("offer inputs %d cannot cover collateral %d plus fee %d",
			offerIn, c.Offer.Collateral, fee)
	}
	if offerChange >= b.dust() {
		tx.AddTxOut(&wire.TxOut{Value: offerChange, PkScript: c.Offer.ChangeScript})
	}
	if acceptChange >= b.dust() {
		tx.AddTxOut(&wire.TxOut{Value: acceptChange, PkScript: c.Accept.ChangeScript})
	}
	return tx, nil
}

// FundingOutpoint returns the funding transaction id and the multisig output
// index.
func (b *Builder) FundingOutpoint(c *contract.Contract) (string, uint32, error) {
	fund, err := b.BuildFunding(c)
	if err != nil {
		return "", 0, err
	}
	return fund.TxHash().String(), 0, nil
}

// spendFundingTx starts a transaction spending the funding output with the
// locktime-enabling sequence.
func (b *Builder) spendFundingTx(c *contract.Contract, lockTime uint32) (*wire.MsgTx, error) {
	txid, vout, err := b.FundingOutpoint(c)
	if err != nil {
		return nil, err
	}
	var h chainhash.Hash
	if err := chainhash.Decode(&h, txid); err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx()
	tx.Version = 1
	tx.LockTime = lockTime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: h, Index: vout},
		Sequence:         lockTimeSequence,
		ValueIn:          c.TotalCollateral(),
	})
	return tx, nil
}

// cetFee estimates the fee of a funding spend from the contract terms alone:
// one multisig input and two standard outputs, whatever the dust policy ends
// up keeping. A fixed estimate keeps the fee identical on both sides and at
// every point of the build.
func (b *Builder) cetFee(c *contract.Contract) int64 {
	return feeFor(spendTxBaseSize+multisigSigScriptSize+2*spendTxOutSize, c.FeeRate)
}

// BuildCET constructs the unsigned contract execution transaction for one
// trie leaf: the offer party receives the leaf payout, the accept party the
// complement, with the CET fee taken from the offer output by convention.
// An output below the dust limit is omitted and its value redirected to the
// other side; the policy is deterministic so both parties derive identical
// transactions.
func (b *Builder) BuildCET(c *contract.Contract, leaf *trie.Leaf) (*wire.MsgTx, error) {
	tx, err := b.spendFundingTx(c, c.CETLocktime)
	if err != nil {
		return nil, err
	}
	fee := b.cetFee(c)

	total := c.TotalCollateral()
	if leaf.Payout < 0 || leaf.Payout > total {
		return nil, fmt.Errorf("leaf payout %d outside [0,%d]", leaf.Payout, total)
	}
	offerOut := leaf.Payout - fee
	if offerOut < 0 {
		offerOut = 0
	}
	acceptOut := total - leaf.Payout

	dust := b.dust()
	switch {
	case offerOut < dust && acceptOut < dust:
		return nil, fmt.Errorf("both CET outputs below dust for leaf %d", leaf.Index)
	case offerOut < dust:
		acceptOut += offerOut
		tx.AddTxOut(&wire.TxOut{Value: acceptOut, PkScript: c.Accept.PayoutScript})
	case acceptOut < dust:
		offerOut += acceptOut
		tx.AddTxOut(&wire.TxOut{Value: offerOut, PkScript: c.Offer.PayoutScript})
	default:
		tx.AddTxOut(&wire.TxOut{Value: offerOut, PkScript: c.Offer.PayoutScript})
		tx.AddTxOut(&wire.TxOut{Value: acceptOut, PkScript: c.Accept.PayoutScript})
	}
	return tx, nil
}

// BuildRefund constructs the unsigned refund transaction, timelocked to the
// contract refund locktime, returning each party's collateral with the fee
// taken from the offer side.
func (b *Builder) BuildRefund(c *contract.Contract) (*wire.MsgTx, error) {
	tx, err := b.spendFundingTx(c, c.RefundLocktime)
	if err != nil {
		return nil, err
	}
	fee := b.cetFee(c)

	offerOut := c.Offer.Collateral - fee
	if offerOut < b.dust() {
		return nil, fmt.Errorf("offer refund %d below dust after fee", offerOut)
	}
	tx.AddTxOut(&wire.TxOut{Value: offerOut, PkScript: c.Offer.PayoutScript})
	tx.AddTxOut(&wire.TxOut{Value: c.Accept.Collateral, PkScript: c.Accept.PayoutScript})
	return tx, nil
}

// SpendSighash computes the signature hash committing a funding spend (CET
// or refund) to the funding redeem script.
func (b *Builder) SpendSighash(c *contract.Contract, tx *wire.MsgTx) ([]byte, error) {
	redeem, err := b.FundingRedeemScript(c.Offer.PubKey, c.Accept.PubKey)
	if err != nil {
		return nil, err
	}
	m, err := txscript.CalcSignatureHash(redeem, txscript.SigHashAll, tx, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("sighash: %w", err)
	}
	if len(m) != 32 {
		return nil, fmt.Errorf("sighash returned %d bytes", len(m))
	}
	return m, nil
}

// FinalizeSpend attaches both parties' DER signatures to a funding spend in
// redeem-script key order, then runs the script engine locally before the
// transaction ever reaches the network.
func (b *Builder) FinalizeSpend(c *contract.Contract, tx *wire.MsgTx, offerSig, acceptSig []byte) error {
	redeem, err := b.FundingRedeemScript(c.Offer.PubKey, c.Accept.PubKey)
	if err != nil {
		return err
	}

	// Signatures must appear in the same order as their keys in the redeem
	// script.
	sig1, sig2 := offerSig, acceptSig
	if k1, _ := sortFundingKeys(c.Offer.PubKey, c.Accept.PubKey); !bytes.Equal(k1, c.Offer.PubKey) {
		sig1, sig2 = acceptSig, offerSig
	}

	sb := txscript.NewScriptBuilder()
	sb.AddData(append(append([]byte(nil), sig1...), byte(txscript.SigHashAll)))
	sb.AddData(append(append([]byte(nil), sig2...), byte(txscript.SigHashAll)))
	sb.AddData(redeem)
	sigScript, err := sb.Script()
	if err != nil {
		return fmt.Errorf("build sigScript: %w", err)
	}
	tx.TxIn[0].SignatureScript = sigScript

	sh := dcrutil.Hash160(redeem)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).AddData(sh).AddOp(txscript.OP_EQUAL).Script()
	if err != nil {
		return fmt.Errorf("build pkScript: %w", err)
	}
	vm, err := txscript.NewEngine(pkScript, tx, 0, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	if err := vm.Execute(); err != nil {
		return fmt.Errorf("local VM verify failed: %w", err)
	}
	return nil
}

// SerializeTx renders a transaction to the hex form stored on the contract
// record.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx parses the hex form produced by SerializeTx.
func DeserializeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("decode tx hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}
	return &tx, nil
}

func (b *Builder) dust() int64 {
	if b.DustLimit > 0 {
		return b.DustLimit
	}
	return DefaultDustLimit
}
