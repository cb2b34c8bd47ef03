package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/api"
	"github.com/Keyring-Network/keyring-deepsearch/internal/auth"
	"github.com/Keyring-Network/keyring-deepsearch/internal/bootstrap"
	"github.com/Keyring-Network/keyring-deepsearch/internal/config"
	"github.com/Keyring-Network/keyring-deepsearch/internal/logging"
	"github.com/Keyring-Network/keyring-deepsearch/internal/quota"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = func() (config.Config, error) {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	newLogger = logging.New
	openStore = bootstrap.OpenStore
	newCache  = bootstrap.NewCache
	newAgent  = bootstrap.NewAgent
	newServer = func(deps api.Deps) server {
		return api.NewServer(deps)
	}
	notifyContext           = signal.NotifyContext
	stdout        io.Writer = os.Stdout
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("deepsearch", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "print a signed bearer token for this user id and exit")
	grantAdmin := flags.String("grant-admin", "", "exempt this user id from the daily limit and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	signer := auth.NewSigner(cfg.JWTSecret, auth.DefaultTokenTTL)
	if *issueToken != "" {
		token, err := signer.Issue(*issueToken)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, token)
		return nil
	}

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	if *grantAdmin != "" {
		if err := st.SetUserAdmin(ctx, *grantAdmin, true); err != nil {
			return err
		}
		logger.Info("granted admin", zap.String("user_id", *grantAdmin))
		return nil
	}

	responseCache, closeCache, err := newCache(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

	agent, closeAgent, err := newAgent(ctx, cfg, responseCache, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeAgent() }()

	server := newServer(api.Deps{
		Store:   st,
		Limiter: quota.NewLimiter(st, cfg.DailyRequestLimit),
		Agent:   agent,
		Auth:    signer,
		Cache:   responseCache,
		Logger:  logger,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info("deepsearch listening",
		zap.String("addr", addr),
		zap.String("database", cfg.DatabaseDriver),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("llm_model", cfg.LLMModel))
	if err := server.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
