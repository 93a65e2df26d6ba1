package manager_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/manager"
	"github.com/vctt94/dcrdlc/oracle/oracletest"
	"github.com/vctt94/dcrdlc/txbuilder"
	"github.com/vctt94/dcrdlc/wallet"
)

// memStore is an in-memory PersistenceGateway with the same two-key lookup
// behavior as the bbolt store. Records are deep-copied through JSON so tests
// observe only persisted state.
type memStore struct {
	mu    sync.Mutex
	byTmp map[string][]byte
	index map[string]string
}

func newMemStore() *memStore {
	return &memStore{byTmp: make(map[string][]byte), index: make(map[string]string)}
}

func (s *memStore) Upsert(ctx context.Context, c *contract.Contract) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTmp[string(c.TemporaryID)] = blob
	if len(c.ContractID) == 32 {
		s.index[string(c.ContractID)] = string(c.TemporaryID)
	}
	return nil
}

func (s *memStore) Get(ctx context.Context, id []byte) (*contract.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.byTmp[string(id)]
	if !ok {
		if tmp, found := s.index[string(id)]; found {
			blob, ok = s.byTmp[tmp]
		}
	}
	if !ok {
		return nil, manager.ErrNotFound
	}
	c := new(contract.Contract)
	if err := json.Unmarshal(blob, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *memStore) ListByState(ctx context.Context, states ...contract.State) ([]*contract.Contract, error) {
	s.mu.Lock()
	blobs := make([][]byte, 0, len(s.byTmp))
	for _, b := range s.byTmp {
		blobs = append(blobs, b)
	}
	s.mu.Unlock()
	want := make(map[contract.State]bool)
	for _, st := range states {
		want[st] = true
	}
	var out []*contract.Contract
	for _, b := range blobs {
		c := new(contract.Contract)
		if err := json.Unmarshal(b, c); err != nil {
			return nil, err
		}
		if len(want) == 0 || want[c.State] {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeChain is a shared in-memory BlockchainGateway double.
type fakeChain struct {
	mu        sync.Mutex
	txs       map[string]*wire.MsgTx
	confs     map[string]int64
	height    int64
	failNext  bool
	broadcast int
}

func newFakeChain() *fakeChain {
	return &fakeChain{txs: make(map[string]*wire.MsgTx), confs: make(map[string]int64), height: 1000}
}

func (f *fakeChain) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", fmt.Errorf("backend unavailable")
	}
	txid := tx.TxHash().String()
	f.txs[txid] = tx
	f.broadcast++
	return txid, nil
}

func (f *fakeChain) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confs[txid], nil
}

func (f *fakeChain) CurrentHeight(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeChain) EstimateFeeRate(ctx context.Context) (int64, error) { return 10_000, nil }

func (f *fakeChain) confirm(txid string, depth int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs[txid] = depth
}

func (f *fakeChain) hasTx(txid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.txs[txid]
	return ok
}

type node struct {
	mgr   *manager.Manager
	store *memStore
	wal   *wallet.Wallet
}

func newNode(t *testing.T, chain *fakeChain, oracles manager.OracleGateway, funds int64) *node {
	t.Helper()
	params := chaincfg.SimNetParams()
	store := newMemStore()
	wal := wallet.New(params)
	fundWallet(t, wal, funds)
	mgr, err := manager.New(manager.Config{
		Store:   store,
		Chain:   chain,
		Oracles: oracles,
		Wallet:  wal,
		Builder: txbuilder.New(params),
	})
	require.NoError(t, err)
	return &node{mgr: mgr, store: store, wal: wal}
}

func fundWallet(t *testing.T, w *wallet.Wallet, value int64) {
	t.Helper()
	_, script, err := w.NewAddress()
	require.NoError(t, err)
	require.NoError(t, w.Credit(contract.FundingInput{
		TxID:     fmt.Sprintf("%064x", value),
		Vout:     0,
		Value:    value,
		PkScript: script,
	}))
}

const (
	offerCollateral  = 5_0000_0000
	acceptCollateral = 3_0000_0000
	totalCollateral  = offerCollateral + acceptCollateral
)

func offerTerms(eventID string) manager.OfferTerms {
	return manager.OfferTerms{
		OfferCollateral:  offerCollateral,
		AcceptCollateral: acceptCollateral,
		PayoutCurve: contract.PayoutCurve{Points: []contract.PayoutPoint{
			{Outcome: 0, Payout: 0},
			{Outcome: 63, Payout: 0},
			{Outcome: 64, Payout: totalCollateral},
			{Outcome: 127, Payout: totalCollateral},
		}},
		EventIDs:       []string{eventID},
		Threshold:      1,
		Base:           2,
		NbDigits:       7,
		FeeRate:        10_000,
		CETLocktime:    100,
		RefundLocktime: 5000,
	}
}

// negotiate drives a contract from offer through the sign message broadcast,
// returning the temporary id.
func negotiate(t *testing.T, ctx context.Context, alice, bob *node, eventID string) []byte {
	t.Helper()
	_, offerMsg, err := alice.mgr.CreateOffer(ctx, offerTerms(eventID))
	require.NoError(t, err)

	reply, err := bob.mgr.OnMessage(ctx, offerMsg)
	require.NoError(t, err)
	require.Nil(t, reply)

	acceptMsg, err := bob.mgr.AcceptOffer(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)

	signReply, err := alice.mgr.OnMessage(ctx, acceptMsg)
	require.NoError(t, err)
	require.IsType(t, &contract.SignMessage{}, signReply)

	reply, err = bob.mgr.OnMessage(ctx, signReply)
	require.NoError(t, err)
	require.Nil(t, reply)
	return offerMsg.TemporaryID
}

func TestLifecycleSettlement(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	oracle, err := oracletest.New()
	require.NoError(t, err)
	_, err = oracle.Announce("btc-close", 2, 7)
	require.NoError(t, err)

	alice := newNode(t, chain, oracle, offerCollateral+1_0000_0000)
	bob := newNode(t, chain, oracle, acceptCollateral+1_0000_0000)

	tmpID := negotiate(t, ctx, alice, bob, "btc-close")

	// Bob broadcast the funding transaction at sign time.
	cBob, err := bob.store.Get(ctx, tmpID)
	require.NoError(t, err)
	assert.Equal(t, contract.StateSigned, cBob.State)
	require.True(t, chain.hasTx(cBob.FundingTxid))
	require.NotEmpty(t, cBob.FundTxHex)

	cAlice, err := alice.store.Get(ctx, tmpID)
	require.NoError(t, err)
	assert.Equal(t, contract.StateSigned, cAlice.State)
	assert.Equal(t, cBob.ContractID, cAlice.ContractID)
	assert.Equal(t, cBob.FundingTxid, cAlice.FundingTxid)

	// Confirm funding; both sides move to Confirmed.
	chain.confirm(cBob.FundingTxid, 6)
	require.NoError(t, alice.mgr.PeriodicCheckAll(ctx))
	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))
	for _, n := range []*node{alice, bob} {
		c, err := n.store.Get(ctx, tmpID)
		require.NoError(t, err)
		assert.Equal(t, contract.StateConfirmed, c.State)
	}

	// Before attestation a sweep is a no-op.
	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))
	cBob, _ = bob.store.Get(ctx, tmpID)
	assert.Equal(t, contract.StateConfirmed, cBob.State)

	// Attest an outcome in the winning half: the offer side takes all.
	_, err = oracle.Attest("btc-close", 100)
	require.NoError(t, err)

	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))
	cBob, err = bob.store.Get(ctx, tmpID)
	require.NoError(t, err)
	require.Equal(t, contract.StatePreClosed, cBob.State)
	require.NotNil(t, cBob.Close)
	assert.EqualValues(t, 100, cBob.Close.Outcome)
	assert.EqualValues(t, acceptCollateral, cBob.Close.OfferPnl)
	assert.False(t, cBob.Close.Refunded)
	require.True(t, chain.hasTx(cBob.Close.CetTxid))

	// The decrypted CET pays the whole pot (minus fee) to the offer side.
	cet := chain.txs[cBob.Close.CetTxid]
	require.Len(t, cet.TxOut, 1)
	assert.Equal(t, cAlice.Offer.PayoutScript, cet.TxOut[0].PkScript)
	assert.Less(t, totalCollateral-cet.TxOut[0].Value, int64(100_000), "fee unexpectedly large")

	// Alice settles independently from her own stored signatures.
	require.NoError(t, alice.mgr.PeriodicCheckAll(ctx))
	cAlice, _ = alice.store.Get(ctx, tmpID)
	assert.Equal(t, contract.StatePreClosed, cAlice.State)
	assert.Equal(t, cBob.Close.CetTxid, cAlice.Close.CetTxid)

	// CET confirms; terminal Closed.
	chain.confirm(cBob.Close.CetTxid, 6)
	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))
	cBob, _ = bob.store.Get(ctx, tmpID)
	assert.Equal(t, contract.StateClosed, cBob.State)
	assert.True(t, cBob.State.Terminal())
}

func TestReplayAndDuplicateMessages(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	oracle, _ := oracletest.New()
	_, err := oracle.Announce("ev-replay", 2, 7)
	require.NoError(t, err)

	alice := newNode(t, chain, oracle, offerCollateral+1_0000_0000)
	bob := newNode(t, chain, oracle, acceptCollateral+1_0000_0000)

	_, offerMsg, err := alice.mgr.CreateOffer(ctx, offerTerms("ev-replay"))
	require.NoError(t, err)
	_, err = bob.mgr.OnMessage(ctx, offerMsg)
	require.NoError(t, err)

	// Duplicate offer is rejected without clobbering the stored contract.
	_, err = bob.mgr.OnMessage(ctx, offerMsg)
	var perr *manager.ProtocolError
	require.ErrorAs(t, err, &perr)

	acceptMsg, err := bob.mgr.AcceptOffer(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)

	// Accepting twice is not applicable in the Accepted state.
	_, err = bob.mgr.AcceptOffer(ctx, offerMsg.TemporaryID)
	require.ErrorAs(t, err, &perr)

	signReply, err := alice.mgr.OnMessage(ctx, acceptMsg)
	require.NoError(t, err)

	// Replayed accept after signing is dropped.
	_, err = alice.mgr.OnMessage(ctx, acceptMsg)
	require.ErrorAs(t, err, &perr)

	_, err = bob.mgr.OnMessage(ctx, signReply)
	require.NoError(t, err)

	// Replayed sign is dropped and the state stays Signed.
	_, err = bob.mgr.OnMessage(ctx, signReply)
	require.ErrorAs(t, err, &perr)
	c, err := bob.store.Get(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)
	assert.Equal(t, contract.StateSigned, c.State)
}

func TestBadAcceptSignatureFailsContract(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	oracle, _ := oracletest.New()
	_, err := oracle.Announce("ev-badaccept", 2, 7)
	require.NoError(t, err)

	alice := newNode(t, chain, oracle, offerCollateral+1_0000_0000)
	bob := newNode(t, chain, oracle, acceptCollateral+1_0000_0000)

	_, offerMsg, err := alice.mgr.CreateOffer(ctx, offerTerms("ev-badaccept"))
	require.NoError(t, err)
	_, err = bob.mgr.OnMessage(ctx, offerMsg)
	require.NoError(t, err)
	acceptMsg, err := bob.mgr.AcceptOffer(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)

	// Corrupt one adaptor signature; Alice must fail the contract instead of
	// signing over a CET she could never decrypt.
	for id, sig := range acceptMsg.CetSignatures {
		sig[40] ^= 0x01
		acceptMsg.CetSignatures[id] = sig
		break
	}
	_, err = alice.mgr.OnMessage(ctx, acceptMsg)
	var cerr *manager.CryptoError
	require.ErrorAs(t, err, &cerr)

	c, err := alice.store.Get(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)
	assert.Equal(t, contract.StateFailedAccept, c.State)
	assert.True(t, c.State.Terminal())
}

func TestBadSignMessageFailsContract(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	oracle, _ := oracletest.New()
	_, err := oracle.Announce("ev-badsign", 2, 7)
	require.NoError(t, err)

	alice := newNode(t, chain, oracle, offerCollateral+1_0000_0000)
	bob := newNode(t, chain, oracle, acceptCollateral+1_0000_0000)

	_, offerMsg, err := alice.mgr.CreateOffer(ctx, offerTerms("ev-badsign"))
	require.NoError(t, err)
	_, err = bob.mgr.OnMessage(ctx, offerMsg)
	require.NoError(t, err)
	acceptMsg, err := bob.mgr.AcceptOffer(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)
	signReply, err := alice.mgr.OnMessage(ctx, acceptMsg)
	require.NoError(t, err)

	signMsg := signReply.(*contract.SignMessage)
	signMsg.RefundSignature[4] ^= 0x01
	_, err = bob.mgr.OnMessage(ctx, signMsg)
	var cerr *manager.CryptoError
	require.ErrorAs(t, err, &cerr)

	c, err := bob.store.Get(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)
	assert.Equal(t, contract.StateFailedSign, c.State)
	// Nothing reached the chain.
	assert.Equal(t, 0, chain.broadcast)
}

func TestRefundAfterLocktime(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	oracle, _ := oracletest.New()
	_, err := oracle.Announce("ev-refund", 2, 7)
	require.NoError(t, err)

	alice := newNode(t, chain, oracle, offerCollateral+1_0000_0000)
	bob := newNode(t, chain, oracle, acceptCollateral+1_0000_0000)

	tmpID := negotiate(t, ctx, alice, bob, "ev-refund")
	cBob, err := bob.store.Get(ctx, tmpID)
	require.NoError(t, err)
	chain.confirm(cBob.FundingTxid, 6)
	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))

	// Still before the refund locktime: nothing happens.
	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))
	cBob, _ = bob.store.Get(ctx, tmpID)
	require.Equal(t, contract.StateConfirmed, cBob.State)

	// The oracle never attests; past the locktime the refund goes out.
	chain.mu.Lock()
	chain.height = 5001
	chain.mu.Unlock()
	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))

	cBob, err = bob.store.Get(ctx, tmpID)
	require.NoError(t, err)
	require.Equal(t, contract.StateRefunded, cBob.State)
	require.NotNil(t, cBob.Close)
	assert.True(t, cBob.Close.Refunded)
	require.True(t, chain.hasTx(cBob.Close.CetTxid))

	refund := chain.txs[cBob.Close.CetTxid]
	require.Len(t, refund.TxOut, 2)
	assert.EqualValues(t, acceptCollateral, refund.TxOut[1].Value)
	assert.EqualValues(t, cBob.RefundLocktime, refund.LockTime)
}

func TestFundingBroadcastRetriedBySweep(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	oracle, _ := oracletest.New()
	_, err := oracle.Announce("ev-retry", 2, 7)
	require.NoError(t, err)

	alice := newNode(t, chain, oracle, offerCollateral+1_0000_0000)
	bob := newNode(t, chain, oracle, acceptCollateral+1_0000_0000)

	_, offerMsg, err := alice.mgr.CreateOffer(ctx, offerTerms("ev-retry"))
	require.NoError(t, err)
	_, err = bob.mgr.OnMessage(ctx, offerMsg)
	require.NoError(t, err)
	acceptMsg, err := bob.mgr.AcceptOffer(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)
	signReply, err := alice.mgr.OnMessage(ctx, acceptMsg)
	require.NoError(t, err)

	// The backend drops the first broadcast. The contract must still land in
	// Signed with the signed funding tx persisted.
	chain.mu.Lock()
	chain.failNext = true
	chain.mu.Unlock()
	_, err = bob.mgr.OnMessage(ctx, signReply)
	var cherr *manager.ChainError
	require.ErrorAs(t, err, &cherr)

	c, err := bob.store.Get(ctx, offerMsg.TemporaryID)
	require.NoError(t, err)
	require.Equal(t, contract.StateSigned, c.State)
	require.NotEmpty(t, c.FundTxHex)
	assert.False(t, chain.hasTx(c.FundingTxid))

	// The next sweep rebroadcasts from the persisted transaction.
	require.NoError(t, bob.mgr.PeriodicCheckAll(ctx))
	assert.True(t, chain.hasTx(c.FundingTxid))
}

func TestUnknownContractMessages(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	oracle, _ := oracletest.New()
	bob := newNode(t, chain, oracle, 1_0000_0000)

	_, err := bob.mgr.AcceptOffer(ctx, make([]byte, 32))
	var perr *manager.ProtocolError
	require.ErrorAs(t, err, &perr)

	_, err = bob.mgr.OnMessage(ctx, &contract.SignMessage{ContractID: make([]byte, 32)})
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "unknown contract")
}
