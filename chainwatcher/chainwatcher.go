// Package chainwatcher backs the contract manager with a dcrd JSON-RPC
// connection and drives the periodic lifecycle sweep on a ticker.
package chainwatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	chainjson "github.com/decred/dcrd/rpc/jsonrpc/types/v4"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"

	"github.com/vctt94/dcrdlc/manager"
)

var _ manager.BlockchainGateway = (*ChainWatcher)(nil)

// DefaultPollInterval is how often the watcher sweeps pollable contracts.
const DefaultPollInterval = 10 * time.Second

// feeEstimateConfTarget is the confirmation window fee estimation aims at.
const feeEstimateConfTarget = 2

// Checker is the lifecycle sweep the watcher drives each tick. Satisfied by
// the contract manager's PeriodicCheckAll.
type Checker interface {
	PeriodicCheckAll(ctx context.Context) error
}

// ChainWatcher is a dcrd-backed blockchain gateway plus the poll loop that
// advances contracts as the chain moves.
type ChainWatcher struct {
	log      slog.Logger
	dcrd     *rpcclient.Client
	interval time.Duration

	quit chan struct{}
}

// New returns a watcher over an established dcrd RPC client.
func New(log slog.Logger, c *rpcclient.Client, interval time.Duration) *ChainWatcher {
	if log == nil {
		log = slog.Disabled
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &ChainWatcher{
		log:      log,
		dcrd:     c,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

// Stop terminates a running poll loop.
func (w *ChainWatcher) Stop() { close(w.quit) }

// Run sweeps the checker every tick until the context or Stop ends it.
func (w *ChainWatcher) Run(ctx context.Context, checker Checker) {
	w.log.Infof("watcher: started (interval %s)", w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			if err := checker.PeriodicCheckAll(ctx); err != nil {
				w.log.Warnf("watcher: sweep failed: %v", err)
			}
		}
	}
}

// Broadcast submits a transaction, treating a duplicate-submission rejection
// as success so retries after a crash are idempotent.
func (w *ChainWatcher) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	hash, err := w.dcrd.SendRawTransaction(ctx, tx, false)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "already have") || strings.Contains(msg, "already exists") ||
			strings.Contains(msg, "transaction already") {
			return tx.TxHash().String(), nil
		}
		return "", fmt.Errorf("sendrawtransaction: %w", err)
	}
	return hash.String(), nil
}

// GetConfirmations returns the depth of a transaction, 0 when the backend
// does not know it (including mempool-only).
func (w *ChainWatcher) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	var h chainhash.Hash
	if err := chainhash.Decode(&h, txid); err != nil {
		return 0, fmt.Errorf("bad txid %q: %w", txid, err)
	}
	res, err := w.dcrd.GetRawTransactionVerbose(ctx, &h)
	if err != nil {
		// dcrd answers "No information available" for unknown transactions;
		// report that as zero depth rather than an error so callers
		// rebroadcast instead of aborting the sweep.
		if strings.Contains(err.Error(), "No information available") {
			return 0, nil
		}
		return 0, fmt.Errorf("getrawtransaction: %w", err)
	}
	if res.Confirmations < 0 {
		return 0, nil
	}
	return res.Confirmations, nil
}

// CurrentHeight returns the best block height.
func (w *ChainWatcher) CurrentHeight(ctx context.Context) (int64, error) {
	_, height, err := w.dcrd.GetBestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("getbestblock: %w", err)
	}
	return height, nil
}

// EstimateFeeRate returns a conservative fee rate in atoms/kB.
func (w *ChainWatcher) EstimateFeeRate(ctx context.Context) (int64, error) {
	res, err := w.dcrd.EstimateSmartFee(ctx, feeEstimateConfTarget,
		chainjson.EstimateSmartFeeConservative)
	if err != nil {
		return 0, fmt.Errorf("estimatesmartfee: %w", err)
	}
	if res.FeeRate <= 0 {
		return 0, fmt.Errorf("estimatesmartfee returned rate %v", res.FeeRate)
	}
	// DCR/kB to atoms/kB.
	return int64(res.FeeRate * 1e8), nil
}
