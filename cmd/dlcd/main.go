// dlcd runs a discreet log contract node: a bbolt contract store, a dcrd
// RPC backend, a file-backed wallet and an admin HTTP interface for driving
// the offer/accept/sign negotiation.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/slog"

	"github.com/vctt94/dcrdlc/chainwatcher"
	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/contractdb"
	"github.com/vctt94/dcrdlc/manager"
	"github.com/vctt94/dcrdlc/txbuilder"
	"github.com/vctt94/dcrdlc/wallet"
)

type server struct {
	log slog.Logger
	mgr *manager.Manager
	wal *wallet.Wallet
}

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level, err := debugLevel(cfg.Debug)
	if err != nil {
		return err
	}
	params, err := cfg.chainParams()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	bknd := slog.NewBackend(os.Stdout)
	log := bknd.Logger("DLCD")
	log.SetLevel(level)
	logMgr := bknd.Logger("MGR")
	logMgr.SetLevel(level)
	logWatch := bknd.Logger("WTCH")
	logWatch.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := contractdb.Open(filepath.Join(cfg.DataDir, "contracts.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	wal, err := wallet.Load(params, filepath.Join(cfg.DataDir, "wallet.json"))
	if err != nil {
		return err
	}

	cert, err := os.ReadFile(cfg.DcrdCert)
	if err != nil {
		return fmt.Errorf("read dcrd rpc cert: %w", err)
	}
	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.DcrdHost,
		User:         cfg.DcrdUser,
		Pass:         cfg.DcrdPass,
		Endpoint:     "ws",
		Certificates: cert,
	}, nil)
	if err != nil {
		return fmt.Errorf("connect dcrd at %s: %w", cfg.DcrdHost, err)
	}
	defer rpc.Shutdown()
	log.Infof("Connected to dcrd at %s (%s)", cfg.DcrdHost, cfg.Net)

	watcher := chainwatcher.New(logWatch, rpc, cfg.PollInterval)
	mgr, err := manager.New(manager.Config{
		Store:           db,
		Chain:           watcher,
		Oracles:         newHTTPOracleClient(cfg.OracleURL),
		Wallet:          wal,
		Builder:         txbuilder.New(params),
		Log:             logMgr,
		NbConfirmations: cfg.Confirmations,
	})
	if err != nil {
		return err
	}

	go watcher.Run(ctx, mgr)

	s := &server{log: log, mgr: mgr, wal: wal}
	mux := http.NewServeMux()
	mux.HandleFunc("/contracts", s.handleContracts)
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/accept", s.handleAccept)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/address", s.handleAddress)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	go func() {
		log.Infof("Admin HTTP listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	watcher.Stop()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutCtx)
}

func (s *server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encode response: %v", err)
	}
}

func (s *server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *manager.ValidationError
	var perr *manager.ProtocolError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &perr):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func (s *server) handleContracts(w http.ResponseWriter, r *http.Request) {
	cs, err := s.mgr.ListContracts(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, cs)
}

func (s *server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var terms manager.OfferTerms
	if err := json.NewDecoder(r.Body).Decode(&terms); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, msg, err := s.mgr.CreateOffer(r.Context(), terms)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	env, err := contract.WrapMessage(msg)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, struct {
		ContractID string             `json:"contract_id"`
		Message    *contract.Envelope `json:"message"`
	}{c.IDString(), env})
}

func (s *server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TemporaryID string `json:"temporary_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := hex.DecodeString(req.TemporaryID)
	if err != nil {
		http.Error(w, "bad temporary id", http.StatusBadRequest)
		return
	}
	msg, err := s.mgr.AcceptOffer(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	env, err := contract.WrapMessage(msg)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, env)
}

// handleMessage feeds an inbound protocol message to the manager and returns
// the reply envelope, if any.
func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var env contract.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := env.Decode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := s.mgr.OnMessage(r.Context(), msg)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	replyEnv, err := contract.WrapMessage(reply)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, replyEnv)
}

func (s *server) handleAddress(w http.ResponseWriter, r *http.Request) {
	addr, script, err := s.wal.NewAddress()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, struct {
		Address  string `json:"address"`
		PkScript string `json:"pk_script"`
	}{addr, hex.EncodeToString(script)})
}

func main() {
	err := realMain()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
