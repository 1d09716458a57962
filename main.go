package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sign-bounty-system/config"
	"sign-bounty-system/handlers"
	"sign-bounty-system/middleware"
	"sign-bounty-system/services"
	"sign-bounty-system/store"
	"sign-bounty-system/utils"
	"sign-bounty-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/spf13/cobra"
)

var storeFlag string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "signbounty",
		Short:         "Sign-cleanup bounty service",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if storeFlag != "" {
				os.Setenv("STORE", storeFlag)
			}
		},
	}
	root.PersistentFlags().StringVar(&storeFlag, "store", "", "storage backend: postgres or memory (overrides STORE)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the maintenance jobs",
			RunE:  func(cmd *cobra.Command, args []string) error { return serve() },
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire overdue claims and stale reports, retry failed payouts, then exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(func(ctx context.Context, life *services.Lifecycle) (any, error) {
					return life.Sweep(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Recompute every campaign's counters from history, then exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(func(ctx context.Context, life *services.Lifecycle) (any, error) {
					return life.Reconcile(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				st, err := openStore(cfg)
				if err != nil {
					return err
				}
				if err := st.Migrate(context.Background()); err != nil {
					return fmt.Errorf("failed to migrate database: %w", err)
				}
				log.Println("✅ Schema up to date")
				return nil
			},
		},
	)
	return root
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store == "memory" {
		log.Println("⚠️  Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.OpenPostgres(cfg.DatabaseURL)
}

func settingsFrom(cfg *config.Config) services.Settings {
	s := services.DefaultSettings()
	s.ClaimWindow = cfg.ClaimWindow
	s.DuplicateRadiusM = cfg.DuplicateRadiusM
	s.DuplicateWindow = cfg.DuplicateWindow
	s.ReportTTL = cfg.ReportTTL
	s.MaxPayoutAttempts = cfg.MaxPayoutAttempts
	return s
}

func payoutClient(cfg *config.Config) services.PayoutClient {
	if cfg.PayoutServiceURL == "" {
		log.Println("⚠️  PAYOUT_SERVICE_URL not set, payouts go to the sandbox")
		return services.SandboxPayoutClient{}
	}
	return services.NewHTTPPayoutClient(cfg.PayoutServiceURL, cfg.PayoutServiceToken)
}

func buildLifecycle(ctx context.Context, cfg *config.Config) (*services.Lifecycle, error) {
	if err := utils.SetDisplayCurrency(cfg.Currency); err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return services.NewLifecycle(st, payoutClient(cfg), settingsFrom(cfg)), nil
}

// runOnce builds the lifecycle, runs fn and prints its result as JSON.
func runOnce(fn func(context.Context, *services.Lifecycle) (any, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	life, err := buildLifecycle(ctx, cfg)
	if err != nil {
		return err
	}
	out, err := fn(ctx, life)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		log.Printf("failed to print result: %v", encErr)
	}
	return err
}

func proofStorage(ctx context.Context, cfg *config.Config) (utils.ProofStorage, error) {
	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Storage(ctx, utils.R2Options{
			Endpoint:        cfg.R2Endpoint(),
			AccessKeyID:     cfg.R2.AccessKeyID,
			SecretAccessKey: cfg.R2.SecretAccessKey,
			Bucket:          cfg.R2.Bucket,
			CDNBaseURL:      cfg.CDNBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize R2 client: %w", err)
		}
		log.Printf("✅ Proof photos stored in R2 bucket %s", cfg.R2.Bucket)
		return r2, nil
	}
	local := utils.LocalStorage{Root: "./uploads"}
	if err := local.EnsureUploadDir(); err != nil {
		return nil, fmt.Errorf("failed to ensure upload dir: %w", err)
	}
	log.Println("⚠️  R2 not configured, proof photos stored under ./uploads")
	return local, nil
}

func reportLimiter(cfg *config.Config) (middleware.Limiter, func()) {
	if cfg.RedisURL != "" {
		l, err := middleware.NewRedisLimiterFromURL(cfg.RedisURL, cfg.ReportRatePerMin, cfg.ReportRateBurst)
		if err == nil {
			log.Println("✅ Report rate limit backed by Redis")
			return l, nil
		}
		log.Printf("⚠️  Redis limiter unavailable, falling back to memory: %v", err)
	}
	l := middleware.NewMemoryLimiter(cfg.ReportRatePerMin, cfg.ReportRateBurst)
	return l, l.Cleanup
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN environment variable not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	life, err := buildLifecycle(ctx, cfg)
	if err != nil {
		return err
	}
	proofs, err := proofStorage(ctx, cfg)
	if err != nil {
		return err
	}
	limiter, cleanup := reportLimiter(cfg)

	app := fiber.New(fiber.Config{
		BodyLimit: utils.MaxProofBytes + 1<<20,
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken))

	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupRoutes(app, &handlers.Handler{Life: life, Proofs: proofs}, limiter)

	sched, err := workers.NewScheduler(ctx, life, workers.Intervals{
		ClaimSweep:     cfg.ClaimSweepInterval,
		RetentionSweep: cfg.RetentionSweepInterval,
		PayoutRetry:    cfg.PayoutRetryInterval,
		Repair:         cfg.RepairInterval,
		LimiterCleanup: 5 * time.Minute,
	}, cleanup)
	if err != nil {
		return err
	}
	sched.Start()

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	log.Printf("✅ Server running on %s", cfg.ListenAddr)
	log.Println("✅ GatewayAuthMiddleware enforced globally, all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := sched.Shutdown(); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	return nil
}
