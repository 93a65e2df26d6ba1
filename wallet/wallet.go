// Package wallet is a minimal file-backed key and coin store implementing the
// manager's wallet gateway: it issues funding keys and P2PKH scripts, tracks
// externally credited UTXOs and signs the funding inputs it owns.
package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/sign"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"

	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/manager"
)

// DefaultFeeReserve is over-selected on top of the requested target so the
// funding transaction fee never starves the collateral.
const DefaultFeeReserve = 1_000_000 // 0.01 DCR

// Wallet holds keys by compressed pubkey and by the P2PKH script derived from
// them, plus the spendable coins credited to those scripts.
type Wallet struct {
	params     *chaincfg.Params
	path       string // empty disables persistence
	feeReserve int64

	mu          sync.Mutex
	keys        map[string]string // pub hex -> priv hex
	keyByScript map[string]string // pkScript hex -> pub hex
	utxos       []contract.FundingInput
	reserved    map[string]bool // outpoint -> reserved
}

var _ manager.WalletGateway = (*Wallet)(nil)

type walletFile struct {
	Keys        map[string]string       `json:"keys"`
	KeyByScript map[string]string       `json:"key_by_script"`
	UTXOs       []contract.FundingInput `json:"utxos"`
	Reserved    map[string]bool         `json:"reserved"`
}

// New returns an empty in-memory wallet for the given network.
func New(params *chaincfg.Params) *Wallet {
	return &Wallet{
		params:      params,
		feeReserve:  DefaultFeeReserve,
		keys:        make(map[string]string),
		keyByScript: make(map[string]string),
		reserved:    make(map[string]bool),
	}
}

// Load opens or creates a wallet persisted at path.
func Load(params *chaincfg.Params, path string) (*Wallet, error) {
	w := New(params)
	w.path = path
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var f walletFile
	if err := json.Unmarshal(blob, &f); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if f.Keys != nil {
		w.keys = f.Keys
	}
	if f.KeyByScript != nil {
		w.keyByScript = f.KeyByScript
	}
	if f.Reserved != nil {
		w.reserved = f.Reserved
	}
	w.utxos = f.UTXOs
	return w, nil
}

// save writes the wallet under its lock. No-op for in-memory wallets.
func (w *Wallet) save() error {
	if w.path == "" {
		return nil
	}
	blob, err := json.MarshalIndent(&walletFile{
		Keys:        w.keys,
		KeyByScript: w.keyByScript,
		UTXOs:       w.utxos,
		Reserved:    w.reserved,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.path, blob, 0600)
}

func (w *Wallet) newKeyLocked() (*secp256k1.PrivateKey, []byte, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	pub := priv.PubKey().SerializeCompressed()
	w.keys[hex.EncodeToString(pub)] = hex.EncodeToString(priv.Serialize())
	return priv, pub, nil
}

// NewFundingKey issues a fresh compressed funding pubkey.
func (w *Wallet) NewFundingKey(ctx context.Context) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, pub, err := w.newKeyLocked()
	if err != nil {
		return nil, err
	}
	return pub, w.save()
}

// FundingKey returns the private key for a previously issued pubkey.
func (w *Wallet) FundingKey(ctx context.Context, pub []byte) (*secp256k1.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	privHex, ok := w.keys[hex.EncodeToString(pub)]
	if !ok {
		return nil, fmt.Errorf("unknown funding key %x", pub)
	}
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("stored key: %w", err)
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// newScriptLocked issues a fresh P2PKH script backed by a new key.
func (w *Wallet) newScriptLocked() ([]byte, error) {
	_, pub, err := w.newKeyLocked()
	if err != nil {
		return nil, err
	}
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(
		dcrutil.Hash160(pub), w.params)
	if err != nil {
		return nil, err
	}
	_, script := addr.PaymentScript()
	w.keyByScript[hex.EncodeToString(script)] = hex.EncodeToString(pub)
	return script, nil
}

// NewPayoutScript issues a fresh wallet-owned output script.
func (w *Wallet) NewPayoutScript(ctx context.Context) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	script, err := w.newScriptLocked()
	if err != nil {
		return nil, err
	}
	return script, w.save()
}

// NewChangeScript issues a fresh wallet-owned change script.
func (w *Wallet) NewChangeScript(ctx context.Context) ([]byte, error) {
	return w.NewPayoutScript(ctx)
}

// NewAddress issues a fresh wallet-owned script together with its address, a
// convenience for crediting the wallet from outside.
func (w *Wallet) NewAddress() (string, []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	script, err := w.newScriptLocked()
	if err != nil {
		return "", nil, err
	}
	pub, _ := hex.DecodeString(w.keyByScript[hex.EncodeToString(script)])
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(
		dcrutil.Hash160(pub), w.params)
	if err != nil {
		return "", nil, err
	}
	return addr.String(), script, w.save()
}

// Credit registers a spendable UTXO paying one of this wallet's scripts.
func (w *Wallet) Credit(in contract.FundingInput) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.keyByScript[hex.EncodeToString(in.PkScript)]; !ok {
		return fmt.Errorf("utxo %s pays an unknown script", in.OutPoint())
	}
	w.utxos = append(w.utxos, in)
	return w.save()
}

// SelectInputs reserves spendable UTXOs worth at least target plus the fee
// reserve, largest first.
func (w *Wallet) SelectInputs(ctx context.Context, target int64) ([]contract.FundingInput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	need := target + w.feeReserve
	var picked []contract.FundingInput
	var sum int64
	for _, u := range w.utxos {
		if w.reserved[u.OutPoint()] {
			continue
		}
		picked = append(picked, u)
		sum += u.Value
		if sum >= need {
			break
		}
	}
	if sum < need {
		return nil, fmt.Errorf("insufficient funds: have %d spendable, need %d", sum, need)
	}
	for _, u := range picked {
		w.reserved[u.OutPoint()] = true
	}
	return picked, w.save()
}

// Release frees previously reserved inputs, e.g. after a failed negotiation.
func (w *Wallet) Release(inputs []contract.FundingInput) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range inputs {
		delete(w.reserved, u.OutPoint())
	}
	return w.save()
}

// SignFundingInput produces the P2PKH signature script for one of this
// wallet's inputs in the given transaction.
func (w *Wallet) SignFundingInput(ctx context.Context, tx *wire.MsgTx, inputIndex int, in *contract.FundingInput) ([]byte, error) {
	w.mu.Lock()
	pubHex, ok := w.keyByScript[hex.EncodeToString(in.PkScript)]
	privHex := w.keys[pubHex]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("input %s pays an unknown script", in.OutPoint())
	}
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("stored key: %w", err)
	}
	return sign.SignatureScript(tx, inputIndex, in.PkScript,
		txscript.SigHashAll, raw, dcrec.STEcdsaSecp256k1, true)
}
