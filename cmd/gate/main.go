package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/x402-gate/internal/chain"
	"github.com/0gfoundation/x402-gate/internal/challenge"
	"github.com/0gfoundation/x402-gate/internal/config"
	"github.com/0gfoundation/x402-gate/internal/gate"
	"github.com/0gfoundation/x402-gate/internal/ledger"
	"github.com/0gfoundation/x402-gate/internal/metrics"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proxy"
	"github.com/0gfoundation/x402-gate/internal/replay"
	"github.com/0gfoundation/x402-gate/internal/scheme"
	"github.com/0gfoundation/x402-gate/internal/scheme/authorization"
	"github.com/0gfoundation/x402-gate/internal/scheme/native"
	"github.com/0gfoundation/x402-gate/internal/scheme/token"
	"github.com/0gfoundation/x402-gate/internal/settler"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if cfg.Log.Development {
		log, _ = zap.NewDevelopment()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	var rdb *redis.Client
	if cfg.Replay.Store == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
	}

	// ── Verification (requirements + one strategy per scheme) ─────────────────
	reqs, err := requirements(cfg)
	if err != nil {
		log.Fatal("invalid payment requirements", zap.Error(err))
	}
	registry, err := dialStrategies(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Replay guard ──────────────────────────────────────────────────────────
	var guard replay.Guard
	if rdb != nil {
		guard = replay.NewRedis(rdb)
	} else {
		mem := replay.NewMemory()
		go mem.Run(ctx, cfg.Replay.SweepInterval)
		guard = mem
		log.Warn("replay store is in-memory; claims are lost on restart and not shared between instances")
	}

	// ── Settlement ────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPrometheus(reg)

	var recorder ledger.Recorder
	switch {
	case cfg.Settlement.LedgerURL != "":
		recorder = ledger.NewHTTP(cfg.Settlement.LedgerURL, cfg.Settlement.LedgerKey)
	case rdb != nil:
		recorder = ledger.NewRedis(rdb)
	}

	var queue gate.Settlement
	switch {
	case recorder != nil && rdb != nil:
		sq := settler.NewQueue(rdb)
		queue = sq
		metrics.RegisterQueueDepth(reg, func() (int64, error) {
			c, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			return sq.Len(c)
		})
		go settler.Run(ctx, cfg, rdb, recorder, m, log)
	case recorder != nil:
		queue = settler.NewInline(recorder, m, log)
	default:
		log.Warn("no ledger configured; accepted payments are only logged")
	}

	// ── Gate ──────────────────────────────────────────────────────────────────
	verifier := scheme.NewVerifier(registry, guard, log)
	g := gate.New(challenge.New(reqs...), verifier, guard, queue, reqs, m, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	var upstream *proxy.Upstream
	if cfg.Server.UpstreamURL != "" {
		if upstream, err = proxy.New(cfg.Server.UpstreamURL, cfg.Server.UpstreamKey, log); err != nil {
			log.Fatal("upstream init failed", zap.Error(err))
		}
		log.Info("proxying paid requests", zap.String("upstream", cfg.Server.UpstreamURL))
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(g, reg, upstream),
	}
	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── gRPC server ───────────────────────────────────────────────────────────
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		if len(cfg.Server.GRPCMethods) == 0 {
			log.Warn("GRPC_GATED_METHODS is empty; every gRPC method requires payment, health checks included")
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(g.UnaryServerInterceptor(cfg.Server.GRPCMethods...)))
		healthpb.RegisterHealthServer(grpcSrv, health.NewServer())

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			log.Fatal("gRPC listen failed", zap.Error(err))
		}
		go func() {
			log.Info("gRPC server starting", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("shutdown complete")
}

// newRouter wires the public HTTP surface. Everything under /api is paid and
// goes to upstream when one is configured.
func newRouter(g *gate.Gate, gatherer prometheus.Gatherer, upstream *proxy.Upstream) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))

	api := r.Group("/api", g.Middleware())
	if upstream != nil {
		upstream.Register(api)
		return r
	}
	api.GET("/resource", func(c *gin.Context) {
		p, _ := gate.PaymentFrom(c)
		c.JSON(http.StatusOK, gin.H{
			"data":            "paid content",
			"payer":           p.Payer,
			"authorizationId": p.AuthorizationID,
		})
	})
	return r
}

// requirements builds the offered payment requirements from config, in the
// order native, authorization, token.
func requirements(cfg *config.Config) ([]payment.Requirement, error) {
	var reqs []payment.Requirement
	add := func(schemeID string, s config.SchemeConfig) error {
		if !s.Enabled {
			return nil
		}
		price, err := s.PriceAtomic()
		if err != nil {
			return err
		}
		reqs = append(reqs, payment.Requirement{
			Scheme:      schemeID,
			Network:     s.Network,
			ChainID:     s.ChainID,
			Recipient:   s.Recipient,
			Asset:       s.Asset,
			Price:       price,
			Decimals:    s.Decimals,
			Symbol:      s.Symbol,
			Description: s.Description,
		})
		return nil
	}
	if err := add(payment.SchemeNativeTransfer, cfg.Native.SchemeConfig); err != nil {
		return nil, err
	}
	if err := add(payment.SchemeSignedAuthorization, cfg.Authorization.SchemeConfig); err != nil {
		return nil, err
	}
	if err := add(payment.SchemeTokenTransfer, cfg.Token.SchemeConfig); err != nil {
		return nil, err
	}
	return reqs, nil
}

// dialStrategies connects a chain client per enabled scheme and registers
// its strategy.
func dialStrategies(cfg *config.Config) (*scheme.Registry, error) {
	policy := chain.RetryPolicy{
		Timeout: cfg.Chain.Timeout,
		Retries: cfg.Chain.Retries,
		Backoff: cfg.Chain.Backoff,
	}
	registry := scheme.NewRegistry()

	if n := cfg.Native; n.Enabled {
		id, err := n.EVMChainID()
		if err != nil {
			return nil, err
		}
		evm, err := chain.DialEVM(n.RPCURL, id, policy)
		if err != nil {
			return nil, fmt.Errorf("native: %w", err)
		}
		registry.Register(native.New(n.Network, evm, n.MinConfirmations, n.ClaimTTL))
	}

	if a := cfg.Authorization; a.Enabled {
		id, err := a.EVMChainID()
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(a.Asset) {
			return nil, fmt.Errorf("invalid AUTH_TOKEN_ADDRESS %q", a.Asset)
		}
		evm, err := chain.DialEVM(a.RPCURL, id, policy)
		if err != nil {
			return nil, fmt.Errorf("authorization: %w", err)
		}
		registry.Register(authorization.New(a.Network, authorization.Domain{
			Name:              a.DomainName,
			Version:           a.DomainVersion,
			ChainID:           id,
			VerifyingContract: common.HexToAddress(a.Asset),
		}, evm))
	}

	if t := cfg.Token; t.Enabled {
		mint, err := solana.PublicKeyFromBase58(t.Asset)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_MINT: %w", err)
		}
		recipient, err := solana.PublicKeyFromBase58(t.Recipient)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_RECIPIENT: %w", err)
		}
		if t.Decimals < 0 || t.Decimals > 255 {
			return nil, fmt.Errorf("invalid TOKEN_DECIMALS %d", t.Decimals)
		}
		registry.Register(token.New(token.Config{
			Network:   t.Network,
			Mint:      mint,
			Recipient: recipient,
			Decimals:  uint8(t.Decimals),
			ClaimTTL:  t.ClaimTTL,
		}, chain.DialSolana(t.RPCURL, t.Commitment, policy)))
	}
	return registry, nil
}
