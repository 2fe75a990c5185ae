package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/paygate/paygate/internal/approval"
	"github.com/paygate/paygate/internal/backend"
	"github.com/paygate/paygate/internal/config"
	"github.com/paygate/paygate/internal/distsync"
	"github.com/paygate/paygate/internal/expiry"
	"github.com/paygate/paygate/internal/gate"
	"github.com/paygate/paygate/internal/infra"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/metrics"
	"github.com/paygate/paygate/internal/payments"
	"github.com/paygate/paygate/internal/ratelimit"
	"github.com/paygate/paygate/internal/server"
	"github.com/paygate/paygate/internal/tasks"
	"github.com/paygate/paygate/internal/tokens"
	"github.com/paygate/paygate/internal/webhooks"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("PAYGATE_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Server.LogLevel == "silent" {
		log.SetOutput(io.Discard)
	}

	m := metrics.New()
	store := keystore.NewKeyStore(cfg.Server.StatePath)
	if len(cfg.Groups) > 0 {
		store.SetGroups(cfg.Groups)
	}
	usage := meter.NewUsageMeter(0)
	audit := meter.NewAuditLog(0)
	limiter := ratelimit.NewLimiter()

	g := gate.New(gate.Config{
		DefaultCreditsPerCall: cfg.Gate.DefaultCreditsPerCall,
		ToolPricing:           cfg.Gate.ToolPricing,
		GlobalRateLimitPerMin: cfg.Gate.GlobalRateLimitPerMin,
		GlobalQuota:           cfg.Gate.Quota,
		ShadowMode:            cfg.Gate.ShadowMode,
		RefundOnFailure:       cfg.Gate.RefundOnFailure,
	}, store, limiter, usage, audit)
	g.SetMetrics(m)

	var approvals *approval.Manager
	if len(cfg.Approval.Rules) > 0 {
		approvals = approval.NewManager(cfg.Approval.Rules, time.Duration(cfg.Approval.TTLMinutes)*time.Minute)
		g.SetApprovals(approvals)
	}

	tokenMgr := tokens.NewManager()

	taskMgr := tasks.NewManager(0, 0)
	taskMgr.StartCleanup()

	grants := expiry.NewGrantManager(0, 0)

	emitter := webhooks.NewEmitter(cfg.Webhooks.Workers,
		time.Duration(cfg.Webhooks.TimeoutSecs)*time.Second, cfg.Webhooks.MaxAttempts)
	emitter.SetMetrics(m)
	if cfg.Webhooks.URL != "" {
		if _, err := emitter.AddFilter(cfg.Webhooks.URL, cfg.Webhooks.Secret, cfg.Webhooks.Events); err != nil {
			log.Fatalf("webhook url: %v", err)
		}
	}
	g.SetNotifier(emitter)

	thresholds := make([]time.Duration, 0, len(cfg.Expiry.WarnHours))
	for _, h := range cfg.Expiry.WarnHours {
		thresholds = append(thresholds, time.Duration(h)*time.Hour)
	}
	scanner := expiry.NewScanner(store,
		time.Duration(cfg.Expiry.ScanIntervalSecs)*time.Second, thresholds,
		func(rec *keystore.ApiKeyRecord, remaining, threshold time.Duration) {
			emitter.Notify("key.expiring", map[string]interface{}{
				"key":            meter.TruncateFingerprint(rec.Key),
				"name":           rec.Name,
				"remainingHours": int(remaining.Hours()),
			})
		})
	scanner.Start()

	// distributed mode is opt-in; without a cache URL every instance is
	// standalone and the local debit path is authoritative
	var sync *distsync.Sync
	var redisAdapter *infra.RedisAdapter
	if cfg.Sync.RedisURL != "" {
		redisAdapter, err = infra.NewRedisAdapter(cfg.Sync.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		sync = distsync.New(redisAdapter, store, cfg.Sync.Prefix,
			time.Duration(cfg.Sync.RefreshInterval)*time.Second)
		sync.SetTokenRevoker(tokenMgr)
		tokenMgr.OnRevoke(func(tokenID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			sync.PublishTokenRevoked(ctx, tokenID)
		})
		if err := sync.Start(context.Background()); err != nil {
			log.Fatalf("distributed sync: %v", err)
		}
		store.OnChange(sync.OnLocalChange)
		g.SetDeductor(sync)
	}

	var stripe *payments.StripeHandler
	if cfg.Payments.StripeWebhookSecret != "" {
		stripe = payments.NewStripeHandler(cfg.Payments.StripeWebhookSecret, store, audit)
		stripe.SetMetrics(m)
	}
	x402 := payments.NewX402Handler(payments.X402Config{
		Network:          cfg.Payments.X402Network,
		Asset:            cfg.Payments.X402Asset,
		PayTo:            cfg.Payments.X402PayTo,
		FacilitatorURL:   cfg.Payments.FacilitatorURL,
		CreditsPerDollar: cfg.Payments.CreditsPerDollar,
	}, store, audit)
	x402.SetMetrics(m)

	var forwarder *backend.Forwarder
	if cfg.Server.BackendURL != "" {
		forwarder = backend.NewForwarder(cfg.Server.BackendURL, cfg.BackendTimeoutDuration())
	}

	srv := server.New(server.Deps{
		Store:     store,
		Gate:      g,
		Usage:     usage,
		Audit:     audit,
		Tasks:     taskMgr,
		Grants:    grants,
		Approvals: approvals,
		Tokens:    tokenMgr,
		Emitter:   emitter,
		Stripe:    stripe,
		X402:      x402,
		Forwarder: forwarder,
		Metrics:   m,
	}, cfg.Server.AdminKey, cfg.Server.ServerName)

	// keep the key/task gauges fresh for scrapes
	gaugeStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ActiveKeys.Set(float64(store.Len()))
				m.ActiveTasks.Set(float64(taskMgr.Len()))
			case <-gaugeStop:
				return
			}
		}
	}()

	if cfg.Server.LogLevel != "silent" {
		log.Printf("%s starting (%s)", cfg.Server.ServerName, featureSummary(cfg, sync != nil, forwarder != nil, stripe != nil, x402.Enabled()))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	close(gaugeStop)
	scanner.Stop()
	taskMgr.Stop()
	tokenMgr.Close()
	limiter.Close()
	emitter.Shutdown()
	if sync != nil {
		sync.Stop()
	}
	if redisAdapter != nil {
		redisAdapter.Close()
	}
	log.Printf("shutdown complete")
}

func featureSummary(cfg *config.Config, distributed, backendSet, stripeSet, x402Set bool) string {
	features := make([]string, 0, 8)
	if cfg.Gate.ShadowMode {
		features = append(features, "shadow-mode")
	}
	if cfg.Webhooks.URL != "" {
		features = append(features, "webhooks")
	}
	if cfg.Gate.Quota != nil {
		features = append(features, "quotas")
	}
	if len(cfg.Expiry.WarnHours) > 0 {
		features = append(features, "expiry-scanner")
	}
	if distributed {
		features = append(features, "distributed")
	}
	if backendSet {
		features = append(features, "backend-proxy")
	}
	if stripeSet {
		features = append(features, "stripe")
	}
	if x402Set {
		features = append(features, "x402")
	}
	if len(features) == 0 {
		return "no optional features"
	}
	return strings.Join(features, ", ")
}
