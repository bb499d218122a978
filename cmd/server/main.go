package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/renzo4web/link-sign-402/internal/config"
	"github.com/renzo4web/link-sign-402/internal/registrar"
	"github.com/renzo4web/link-sign-402/pkg/ledger"
	"github.com/renzo4web/link-sign-402/pkg/pinner"
	"github.com/renzo4web/link-sign-402/pkg/x402"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config")
	}

	log := newLogger(cfg)

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		log.Fatal().Err(err).Str("rpc", cfg.RPCURL).Msg("dial rpc")
	}
	defer eth.Close()

	reg, err := ledger.New(eth, common.HexToAddress(cfg.RegistryAddress), cfg.OperatorKey, big.NewInt(cfg.ChainID), ledger.Config{
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.ConfirmPoll,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger")
	}
	log.Info().Str("operator", reg.Operator().Hex()).Str("chain_ref", reg.ChainRef()).Msg("ledger adapter ready")

	gate := x402.NewGate(x402.NewFacilitator(cfg.FacilitatorURL), x402.GateConfig{
		Network:      cfg.Network,
		PayTo:        common.HexToAddress(cfg.PayTo).Hex(),
		Asset:        common.HexToAddress(cfg.AssetAddress).Hex(),
		AmountAtomic: cfg.PriceAtomic,
		Description:  "agreement registration on " + reg.ChainRef(),
		InitTimeout:  cfg.InitTimeout,
	}, log)

	store := pinner.New(cfg.PinnerURL, cfg.PinnerJWT)
	h := registrar.NewHandler(registrar.New(store, gate, reg, cfg.ExplorerBaseURL, log))

	r := chi.NewRouter()
	r.Use(requestLogger(log))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	h.Routes(r)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
