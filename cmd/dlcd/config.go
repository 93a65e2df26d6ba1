package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/slog"
)

type dlcdConfig struct {
	DataDir string
	Net     string

	DcrdHost string
	DcrdUser string
	DcrdPass string
	DcrdCert string

	OracleURL string

	HTTPAddr      string
	PollInterval  time.Duration
	Confirmations int64
	Debug         string
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dlcd"
	}
	return filepath.Join(home, ".dlcd")
}

func loadConfig() (*dlcdConfig, error) {
	cfg := &dlcdConfig{}
	flag.StringVar(&cfg.DataDir, "datadir", defaultDataDir(), "data directory for db and wallet")
	flag.StringVar(&cfg.Net, "net", "mainnet", "network: mainnet, testnet or simnet")
	flag.StringVar(&cfg.DcrdHost, "dcrdhost", "localhost:9109", "dcrd RPC host:port")
	flag.StringVar(&cfg.DcrdUser, "dcrduser", "", "dcrd RPC user")
	flag.StringVar(&cfg.DcrdPass, "dcrdpass", "", "dcrd RPC password")
	flag.StringVar(&cfg.DcrdCert, "dcrdcert", "", "path to dcrd RPC TLS certificate")
	flag.StringVar(&cfg.OracleURL, "oracleurl", "", "base URL of the oracle REST endpoint")
	flag.StringVar(&cfg.HTTPAddr, "httpaddr", "localhost:9154", "admin HTTP listen address")
	flag.DurationVar(&cfg.PollInterval, "pollinterval", 10*time.Second, "lifecycle sweep interval")
	flag.Int64Var(&cfg.Confirmations, "confirmations", 6, "required confirmation depth")
	flag.StringVar(&cfg.Debug, "debug", "info", "log level: debug, info, warn or error")
	flag.Parse()

	if cfg.DcrdUser == "" || cfg.DcrdPass == "" || cfg.DcrdCert == "" {
		return nil, fmt.Errorf("incomplete dcrd config: user=%q pass_set=%t cert=%q",
			cfg.DcrdUser, cfg.DcrdPass != "", cfg.DcrdCert)
	}
	if cfg.OracleURL == "" {
		return nil, fmt.Errorf("missing -oracleurl")
	}
	return cfg, nil
}

func (c *dlcdConfig) chainParams() (*chaincfg.Params, error) {
	switch c.Net {
	case "mainnet":
		return chaincfg.MainNetParams(), nil
	case "testnet":
		return chaincfg.TestNet3Params(), nil
	case "simnet":
		return chaincfg.SimNetParams(), nil
	}
	return nil, fmt.Errorf("unknown network %q", c.Net)
}

func debugLevel(debugStr string) (slog.Level, error) {
	switch debugStr {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown debug level: %s", debugStr)
}
