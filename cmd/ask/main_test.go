package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/bootstrap"
	"github.com/Keyring-Network/keyring-deepsearch/internal/cache"
	"github.com/Keyring-Network/keyring-deepsearch/internal/config"
	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
)

type stubAsker struct {
	deltas   []string
	result   deepsearch.Result
	err      error
	question string
}

func (s *stubAsker) Run(ctx context.Context, messages []llm.Message, opts deepsearch.RunOptions) (deepsearch.Result, error) {
	s.question = messages[len(messages)-1].Content
	for _, delta := range s.deltas {
		if opts.OnEvent != nil {
			opts.OnEvent(deepsearch.Event{Type: deepsearch.EventTextDelta, Delta: delta})
		}
	}
	return s.result, s.err
}

func captureAskDeps() func() {
	origLoadConfig := loadConfig
	origNewLogger := newLogger
	origNewCache := newCache
	origNewAgent := newAgent
	origNotifyContext := notifyContext
	origStdin := stdin
	origStdout := stdout

	return func() {
		loadConfig = origLoadConfig
		newLogger = origNewLogger
		newCache = origNewCache
		newAgent = origNewAgent
		notifyContext = origNotifyContext
		stdin = origStdin
		stdout = origStdout
	}
}

func stubAskDefaults(agent *stubAsker) *bytes.Buffer {
	loadConfig = func() (config.Config, error) {
		return config.Config{}, nil
	}
	newLogger = func(string, string) (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	newAgent = func(context.Context, config.Config, *cache.Cache, *zap.Logger) (asker, bootstrap.CloseFunc, error) {
		return agent, func() error { return nil }, nil
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}
	var out bytes.Buffer
	stdout = &out
	return &out
}

func TestRunPrintsAnswer(t *testing.T) {
	restore := captureAskDeps()
	t.Cleanup(restore)
	agent := &stubAsker{result: deepsearch.Result{Text: "Paris.", Steps: 1}}
	out := stubAskDefaults(agent)

	if err := run([]string{"capital", "of", "france?"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if agent.question != "capital of france?" {
		t.Fatalf("unexpected question %q", agent.question)
	}
	if out.String() != "Paris.\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunReadsStdin(t *testing.T) {
	restore := captureAskDeps()
	t.Cleanup(restore)
	agent := &stubAsker{result: deepsearch.Result{Text: "ok"}}
	stubAskDefaults(agent)
	stdin = strings.NewReader("  who won the 2026 world cup?\n")

	if err := run(nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if agent.question != "who won the 2026 world cup?" {
		t.Fatalf("unexpected question %q", agent.question)
	}
}

func TestRunStreamsDeltas(t *testing.T) {
	restore := captureAskDeps()
	t.Cleanup(restore)
	agent := &stubAsker{deltas: []string{"Hel", "lo"}, result: deepsearch.Result{Text: "Hello"}}
	out := stubAskDefaults(agent)

	if err := run([]string{"-stream", "hi"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.String() != "Hello\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunEmptyQuestion(t *testing.T) {
	restore := captureAskDeps()
	t.Cleanup(restore)
	stubAskDefaults(&stubAsker{})
	stdin = strings.NewReader("   ")

	if err := run(nil); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunAgentFailure(t *testing.T) {
	restore := captureAskDeps()
	t.Cleanup(restore)
	stubAskDefaults(&stubAsker{err: errors.New("step 0: LLM request failed")})

	if err := run([]string{"hi"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunAgentInitFailure(t *testing.T) {
	restore := captureAskDeps()
	t.Cleanup(restore)
	stubAskDefaults(&stubAsker{})
	newAgent = func(context.Context, config.Config, *cache.Cache, *zap.Logger) (asker, bootstrap.CloseFunc, error) {
		return nil, nil, errors.New("unsupported LLM provider: nope")
	}

	if err := run([]string{"hi"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureAskDeps()
	t.Cleanup(restore)
	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	if err := run([]string{"hi"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}
