package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/SamiiBou/Bloom-sub000/observability/logging"
	telemetry "github.com/SamiiBou/Bloom-sub000/observability/otel"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/chain"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/claim"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/config"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/events"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/server"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/storage"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/voucher"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/claimd/config.yaml", "path to claimd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BLOOM_ENV"))
	logging.Setup("claimd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "claimd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("claimd: load config: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("claimd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("claimd: open storage: %v", err)
	}
	defer store.Close()

	journal, err := events.OpenJournal(cfg.EventsPath, nil)
	if err != nil {
		log.Fatalf("claimd: open event journal: %v", err)
	}
	defer journal.Close()
	broker := events.NewBroker(journal, slog.Default())

	signerKey := strings.TrimSpace(os.Getenv(cfg.Signer.KeyEnv))
	if signerKey == "" {
		log.Fatalf("claimd: voucher signing key missing from %s", cfg.Signer.KeyEnv)
	}
	signer, err := voucher.NewLocalSigner(signerKey)
	if err != nil {
		log.Fatalf("claimd: load voucher signer: %v", err)
	}
	contract, err := voucher.ParseAddress(cfg.Chain.ClaimContract)
	if err != nil {
		log.Fatalf("claimd: claim contract address: %v", err)
	}
	issuer, err := voucher.NewIssuer(cfg.Chain.ChainID, contract, signer, voucher.WithTTL(cfg.VoucherTTL.Duration))
	if err != nil {
		log.Fatalf("claimd: voucher issuer: %v", err)
	}

	statusClient, err := chain.NewPortalClient(cfg.StatusService.Endpoint, cfg.StatusService.AppID, os.Getenv(cfg.StatusService.APIKeyEnv))
	if err != nil {
		log.Fatalf("claimd: status client: %v", err)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	receipts, err := chain.DialReceipts(dialCtx, cfg.Chain.RPCURL)
	cancelDial()
	if err != nil {
		log.Fatalf("claimd: dial chain rpc: %v", err)
	}
	defer receipts.Close()

	rates, err := loadRates(cfg.Rewards)
	if err != nil {
		log.Fatalf("claimd: reward rates: %v", err)
	}
	rewards, err := ledger.New(store, rates)
	if err != nil {
		log.Fatalf("claimd: reward ledger: %v", err)
	}

	coordinator, err := claim.New(store, rewards, issuer, statusClient, receipts, broker,
		claim.WithPollInterval(cfg.PollInterval.Duration),
		claim.WithStuckClaimAge(cfg.StuckClaimAge.Duration),
	)
	if err != nil {
		log.Fatalf("claimd: coordinator: %v", err)
	}

	resumed, err := coordinator.ResumeSubmitted(context.Background())
	if err != nil {
		log.Fatalf("claimd: resume submitted claims: %v", err)
	}
	if resumed > 0 {
		slog.Info("resumed claim monitors", "count", resumed)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: server.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: os.Getenv(cfg.Auth.SecretEnv),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
	}, coordinator, rewards, broker, slog.Default())
	if err != nil {
		log.Fatalf("claimd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("claimd: http server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Printf("claimd: coordinator shutdown: %v", err)
	}
}

func loadRates(cfg config.RewardsConfig) (ledger.Rates, error) {
	watch, err := ledger.ToUnits(cfg.WatchCredit)
	if err != nil {
		return ledger.Rates{}, err
	}
	periodic, err := ledger.ToUnits(cfg.PeriodicRate)
	if err != nil {
		return ledger.Rates{}, err
	}
	bonus, err := ledger.ToUnits(cfg.VerifyBonus)
	if err != nil {
		return ledger.Rates{}, err
	}
	return ledger.Rates{
		WatchCredit:  watch,
		Period:       cfg.Period.Duration,
		PeriodicRate: periodic,
		VerifyBonus:  bonus,
	}, nil
}
