package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"claim-processor/chain"
	"claim-processor/handlers"
	"claim-processor/middleware"
	"claim-processor/models"
	"claim-processor/services"
	"claim-processor/utils"
	"claim-processor/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(allowedOriginsList, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Session-Token",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}
	// TranslateError so unique-constraint races surface as gorm.ErrDuplicatedKey
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.ClaimRecord{},
		&models.BanRecord{},
		&models.FailureRecord{},
		&models.ClaimLock{},
		&models.WalletLease{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	rpcURL := os.Getenv("CHAIN_RPC_URL")
	if rpcURL == "" {
		log.Fatal("CHAIN_RPC_URL environment variable not set")
	}
	rpcClient, err := chain.Dial(rpcURL)
	if err != nil {
		log.Fatal("failed to connect to chain RPC:", err)
	}
	chainID, err := rpcClient.ChainID(context.Background())
	if err != nil {
		log.Fatal("failed to read chain id:", err)
	}
	executor := chain.NewExecutor(rpcClient, chainID, chain.ExecutorConfig{
		MaxAttempts: envInt("TX_MAX_ATTEMPTS", 3),
		ReceiptWait: envDurationSeconds("TX_RECEIPT_WAIT_SECONDS", 45*time.Second),
		GasLimit:    uint64(envInt("TX_GAS_LIMIT", 300_000)),
	})

	pool, err := services.NewWalletPoolFromEnv(db)
	if err != nil {
		log.Fatal("failed to load wallet pool:", err)
	}

	r2, err := utils.InitR2()
	if err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}
	var archive services.EvidenceArchiver
	if r2 != nil {
		archive = r2
	}

	ledger := services.NewLedgerService(db)
	locks := services.NewLockStore(db)
	failures := services.NewFailureQueue(db)
	bans := services.NewBanService(db, archive, envInt("ABUSE_MAX_ADDRESSES_PER_HANDLE", 2))

	auctionURL := os.Getenv("AUCTION_SERVICE_URL")
	if auctionURL == "" {
		log.Fatal("AUCTION_SERVICE_URL environment variable not set")
	}
	serviceToken := os.Getenv("SERVICE_AUTH_TOKEN")
	if serviceToken == "" {
		log.Fatal("SERVICE_AUTH_TOKEN environment variable not set")
	}
	auctions := services.NewAuctionClient(auctionURL, serviceToken)

	var identity services.IdentityVerifier
	if identityURL := os.Getenv("IDENTITY_SERVICE_URL"); identityURL != "" {
		identity = services.NewIdentityClient(identityURL, serviceToken)
	} else {
		log.Println("⚠️  IDENTITY_SERVICE_URL not set — holder verification and web sessions disabled")
	}

	rewards, err := parseRewardAmounts(os.Getenv("REWARD_AMOUNTS_JSON"))
	if err != nil {
		log.Fatal("failed to parse REWARD_AMOUNTS_JSON:", err)
	}

	directSources := map[string]bool{}
	for _, s := range strings.Split(os.Getenv("DIRECT_WALLET_SOURCES"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			directSources[s] = true
		}
	}

	claimService := services.NewClaimService(db, ledger, bans, locks, pool, executor, auctions, identity, failures, services.ClaimConfig{
		LockTTL:             envDurationSeconds("CLAIM_LOCK_TTL_SECONDS", 5*time.Minute),
		RewardAmounts:       rewards,
		IPClaimLimit:        int64(envInt("IP_CLAIM_LIMIT", 10)),
		DirectWalletSources: directSources,
	})

	claimService.StartMaintenanceScheduler()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("RETRY_WORKER_ENABLED") == "true" {
		go workers.PollFailures(ctx, claimService, envDurationSeconds("RETRY_WORKER_INTERVAL_SECONDS", 60*time.Second))
		log.Println("✅ Failure retry worker running")
	}

	handlers.SetupClaimRoutes(app, claimService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Claim processor running on http://localhost:5300")
	log.Println("✅ Maintenance scheduler running")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Printf("⚠️  Invalid %s=%q, using default %d", name, raw, def)
		return def
	}
	return v
}

func envDurationSeconds(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		log.Printf("⚠️  Invalid %s=%q, using default %s", name, raw, def)
		return def
	}
	return time.Duration(secs) * time.Second
}

// parseRewardAmounts reads {"mini_app":"5000000000000000000","web":"..."} —
// token base units as decimal strings, keyed by claim source.
func parseRewardAmounts(raw string) (map[string]*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("REWARD_AMOUNTS_JSON environment variable not set")
	}
	var byText map[string]string
	if err := json.Unmarshal([]byte(raw), &byText); err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int, len(byText))
	for source, text := range byText {
		amount, ok := new(big.Int).SetString(text, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("invalid reward amount %q for source %q", text, source)
		}
		out[source] = amount
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no reward amounts configured")
	}
	return out, nil
}
