package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vctt94/dcrdlc/contract"
)

func credit(t *testing.T, w *Wallet, value int64) contract.FundingInput {
	t.Helper()
	_, script, err := w.NewAddress()
	require.NoError(t, err)
	var txid [32]byte
	_, err = rand.Read(txid[:])
	require.NoError(t, err)
	in := contract.FundingInput{
		TxID:     hex.EncodeToString(txid[:]),
		Vout:     0,
		Value:    value,
		PkScript: script,
	}
	require.NoError(t, w.Credit(in))
	return in
}

func TestFundingKeyRoundTrip(t *testing.T) {
	w := New(chaincfg.SimNetParams())
	ctx := context.Background()

	pub, err := w.NewFundingKey(ctx)
	require.NoError(t, err)
	require.Len(t, pub, 33)

	priv, err := w.FundingKey(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, pub, priv.PubKey().SerializeCompressed())

	_, err = w.FundingKey(ctx, make([]byte, 33))
	assert.Error(t, err)
}

func TestSelectInputsReservesCoins(t *testing.T) {
	w := New(chaincfg.SimNetParams())
	ctx := context.Background()
	credit(t, w, 3_0000_0000)
	credit(t, w, 3_0000_0000)

	picked, err := w.SelectInputs(ctx, 2_0000_0000)
	require.NoError(t, err)
	require.NotEmpty(t, picked)

	// The remaining coin cannot cover a second large request.
	_, err = w.SelectInputs(ctx, 5_0000_0000)
	assert.Error(t, err)

	require.NoError(t, w.Release(picked))
	_, err = w.SelectInputs(ctx, 5_0000_0000)
	assert.NoError(t, err)
}

func TestSignFundingInputPassesVM(t *testing.T) {
	w := New(chaincfg.SimNetParams())
	ctx := context.Background()
	in := credit(t, w, 1_0000_0000)

	var h chainhash.Hash
	require.NoError(t, chainhash.Decode(&h, in.TxID))
	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: h, Index: in.Vout},
		ValueIn:          in.Value,
	})
	tx.AddTxOut(&wire.TxOut{Value: in.Value - 10000, PkScript: in.PkScript})

	sigScript, err := w.SignFundingInput(ctx, tx, 0, &in)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript

	vm, err := txscript.NewEngine(in.PkScript, tx, 0, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestLoadPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	params := chaincfg.SimNetParams()
	ctx := context.Background()

	w, err := Load(params, path)
	require.NoError(t, err)
	pub, err := w.NewFundingKey(ctx)
	require.NoError(t, err)
	in := credit(t, w, 7_0000_0000)

	w2, err := Load(params, path)
	require.NoError(t, err)
	priv, err := w2.FundingKey(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, pub, priv.PubKey().SerializeCompressed())

	picked, err := w2.SelectInputs(ctx, 1_0000_0000)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	assert.Equal(t, in.OutPoint(), picked[0].OutPoint())
}
