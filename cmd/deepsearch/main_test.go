package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/api"
	"github.com/Keyring-Network/keyring-deepsearch/internal/auth"
	"github.com/Keyring-Network/keyring-deepsearch/internal/bootstrap"
	"github.com/Keyring-Network/keyring-deepsearch/internal/cache"
	"github.com/Keyring-Network/keyring-deepsearch/internal/config"
	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store/memory"
)

type stubServer struct {
	err  error
	addr *string
}

func (s stubServer) Start(ctx context.Context, addr string) error {
	if s.addr != nil {
		*s.addr = addr
	}
	return s.err
}

func captureDeps() func() {
	origLoadConfig := loadConfig
	origNewLogger := newLogger
	origOpenStore := openStore
	origNewCache := newCache
	origNewAgent := newAgent
	origNewServer := newServer
	origNotifyContext := notifyContext
	origStdout := stdout

	return func() {
		loadConfig = origLoadConfig
		newLogger = origNewLogger
		openStore = origOpenStore
		newCache = origNewCache
		newAgent = origNewAgent
		newServer = origNewServer
		notifyContext = origNotifyContext
		stdout = origStdout
	}
}

func stubDefaults(cfg config.Config) *memory.MemoryStore {
	mem := memory.New()
	loadConfig = func() (config.Config, error) {
		return cfg, nil
	}
	newLogger = func(string, string) (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	openStore = func(config.Config) (store.Store, bootstrap.CloseFunc, error) {
		return mem, func() error { return nil }, nil
	}
	newAgent = func(context.Context, config.Config, *cache.Cache, *zap.Logger) (*deepsearch.Agent, bootstrap.CloseFunc, error) {
		return nil, func() error { return nil }, nil
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}
	return mem
}

func TestRunSuccess(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{Port: "0", JWTSecret: "secret", DatabaseDriver: "memory", CacheTTL: time.Hour})

	var addr string
	var deps api.Deps
	newServer = func(d api.Deps) server {
		deps = d
		return stubServer{addr: &addr}
	}

	if err := run(nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if addr != ":0" {
		t.Fatalf("unexpected addr %q", addr)
	}
	if deps.Store == nil || deps.Limiter == nil || deps.Auth == nil || deps.Cache == nil || deps.Logger == nil {
		t.Fatalf("expected server dependencies to be wired: %#v", deps)
	}
}

func TestRunServerClosedIsClean(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{Port: "0", JWTSecret: "secret"})
	newServer = func(api.Deps) server {
		return stubServer{err: http.ErrServerClosed}
	}

	if err := run(nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunServerFailure(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{Port: "0", JWTSecret: "secret"})
	newServer = func(api.Deps) server {
		return stubServer{err: errors.New("address in use")}
	}

	if err := run(nil); err == nil || err.Error() != "address in use" {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRunIssueToken(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{JWTSecret: "secret"})
	openStore = func(config.Config) (store.Store, bootstrap.CloseFunc, error) {
		t.Fatal("store should not be opened when issuing a token")
		return nil, nil, nil
	}
	var out bytes.Buffer
	stdout = &out

	if err := run([]string{"-issue-token", "user-1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	userID, err := auth.NewSigner("secret", time.Hour).Parse(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("unexpected subject %q", userID)
	}
}

func TestRunGrantAdmin(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	mem := stubDefaults(config.Config{JWTSecret: "secret"})
	newServer = func(api.Deps) server {
		t.Fatal("server should not start when granting admin")
		return nil
	}

	if err := run([]string{"-grant-admin", "user-1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	isAdmin, err := mem.IsUserAdmin(context.Background(), "user-1")
	if err != nil || !isAdmin {
		t.Fatalf("expected user-1 to be admin, got %v %v", isAdmin, err)
	}
}

func TestRunBadFlag(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{JWTSecret: "secret"})

	err := run([]string{"-nope"})
	if err == nil || errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag error, got %v", err)
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("missing required environment variables: JWT_SECRET")
	}

	if err := run(nil); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunStoreInitFailure(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{JWTSecret: "secret"})
	openStore = func(config.Config) (store.Store, bootstrap.CloseFunc, error) {
		return nil, nil, errors.New("store init failed")
	}

	if err := run(nil); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunAgentInitFailure(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{JWTSecret: "secret"})
	newAgent = func(context.Context, config.Config, *cache.Cache, *zap.Logger) (*deepsearch.Agent, bootstrap.CloseFunc, error) {
		return nil, nil, errors.New("unsupported LLM provider: nope")
	}

	if err := run(nil); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunCacheInitFailure(t *testing.T) {
	restore := captureDeps()
	t.Cleanup(restore)
	stubDefaults(config.Config{JWTSecret: "secret"})
	newCache = func(config.Config, *zap.Logger) (*cache.Cache, bootstrap.CloseFunc, error) {
		return nil, nil, errors.New("redis cache: bad url")
	}

	if err := run(nil); err == nil {
		t.Fatal("expected error, got nil")
	}
}
