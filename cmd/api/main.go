package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-ebook-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-ebook-go/pkg/utilities"
)

type serverConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8431"`
	Env             string        `env:"APP_ENV" envDefault:"production"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	SnowflakeNode   int64         `env:"SNOWFLAKE_NODE" envDefault:"1"`
}

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()

	var srvCfg serverConfig
	if err := env.Parse(&srvCfg); err != nil {
		sugar.Fatalf("server config: %v", err)
	}
	sugar.Infow("starting service-ebook-go", "env", srvCfg.Env, "addr", srvCfg.Addr)

	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("db config: %v", err)
	}
	sqlDB, err := database.Connect(dbCfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer sqlDB.Close()

	// wrap with sqlx for convenience in repos/services
	sqlxDB := sqlx.NewDb(sqlDB, "postgres")
	accounts := repo.NewAccountRepo(sqlxDB)
	if dbCfg.EnsureSchema {
		if err := accounts.EnsureTable(context.Background()); err != nil {
			sugar.Fatalf("ensure schema: %v", err)
		}
		sugar.Info("accounts schema ensured")
	}

	tokCfg, err := token.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("%v", err)
	}
	tokens, err := token.NewService(tokCfg)
	if err != nil {
		sugar.Fatalf("%v", err)
	}

	policy, err := account.PolicyFromEnv()
	if err != nil {
		sugar.Fatalf("%v", err)
	}
	var hasher account.PasswordHasher
	if policy.Mode == account.ModeCredentialed {
		hasher, err = account.NewPasswordHasher(policy.PasswordHasher, policy.BcryptCost)
		if err != nil {
			sugar.Fatalf("%v", err)
		}
	}
	sugar.Infow("account policy", "auth_mode", policy.Mode, "admin_domains", policy.AdminEmailDomains)

	m := metrics.New()
	svc, err := account.NewService(accounts, tokens, hasher, policy, utilities.NewIDGenerator(srvCfg.SnowflakeNode), m, sugar)
	if err != nil {
		sugar.Fatalf("%v", err)
	}

	routeCfg, err := router.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("%v", err)
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := router.RegisterRoutes(router.Deps{
		Config:   routeCfg,
		Accounts: account.NewHandler(svc, sugar, srvCfg.Env == "development"),
		Gate:     auth.NewGate(tokens, accounts, m, sugar),
		Metrics:  m,
		Logger:   sugar,
	})
	srv := &http.Server{
		Addr:              srvCfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "prefix", routeCfg.Prefix, "token_ttl", tokens.TTL())

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
