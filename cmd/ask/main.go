package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/bootstrap"
	"github.com/Keyring-Network/keyring-deepsearch/internal/cache"
	"github.com/Keyring-Network/keyring-deepsearch/internal/config"
	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
	"github.com/Keyring-Network/keyring-deepsearch/internal/logging"
)

type asker interface {
	Run(ctx context.Context, messages []llm.Message, opts deepsearch.RunOptions) (deepsearch.Result, error)
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger = logging.New
	newCache  = bootstrap.NewCache
	newAgent  = func(ctx context.Context, cfg config.Config, c *cache.Cache, logger *zap.Logger) (asker, bootstrap.CloseFunc, error) {
		agent, closeFn, err := bootstrap.NewAgent(ctx, cfg, c, logger)
		if err != nil {
			return nil, nil, err
		}
		return agent, closeFn, nil
	}
	notifyContext           = signal.NotifyContext
	stdin         io.Reader = os.Stdin
	stdout        io.Writer = os.Stdout
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("ask", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 5*time.Minute, "give up after this long")
	stream := flags.Bool("stream", false, "print text as it is generated")
	if err := flags.Parse(args); err != nil {
		return err
	}

	question := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if question == "" {
		raw, err := io.ReadAll(bufio.NewReader(stdin))
		if err != nil {
			return err
		}
		question = strings.TrimSpace(string(raw))
	}
	if question == "" {
		return errors.New("question required: pass it as arguments or on stdin")
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

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
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

	opts := deepsearch.RunOptions{}
	if *stream {
		opts.OnEvent = func(event deepsearch.Event) {
			switch event.Type {
			case deepsearch.EventTextDelta:
				fmt.Fprint(stdout, event.Delta)
			case deepsearch.EventToolCall:
				logger.Info("tool call", zap.String("tool", event.ToolCall.Name), zap.String("arguments", event.ToolCall.Arguments))
			}
		}
	}

	result, err := agent.Run(ctx, []llm.Message{{Role: llm.RoleUser, Content: question}}, opts)
	if err != nil {
		return err
	}
	if *stream {
		fmt.Fprintln(stdout)
	} else {
		fmt.Fprintln(stdout, result.Text)
	}
	logger.Debug("answered",
		zap.Int("steps", result.Steps),
		zap.String("finish_reason", result.FinishReason))
	return nil
}
