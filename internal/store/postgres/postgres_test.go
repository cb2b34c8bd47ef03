//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	storepkg "github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

var (
	testDB   *sql.DB
	testConn string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpostgres.Run(
		ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("deepsearch"),
		tcpostgres.WithUsername("deepsearch"),
		tcpostgres.WithPassword("deepsearch"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start postgres container:", err)
		os.Exit(1)
	}
	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "connection string:", err)
		os.Exit(1)
	}
	ldb, err := sql.Open("pgx", conn)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "open db:", err)
		os.Exit(1)
	}
	if err := waitForDB(ldb); err != nil {
		_ = ldb.Close()
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "ping db:", err)
		os.Exit(1)
	}
	if err := applyMigrations(ctx, ldb); err != nil {
		_ = ldb.Close()
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "apply migrations:", err)
		os.Exit(1)
	}
	testDB = ldb
	testConn = conn
	code := m.Run()
	_ = ldb.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	migrationsDir := filepath.Join(root, "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		contents, err := os.ReadFile(filepath.Join(migrationsDir, name))
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func waitForDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var lastErr error
	for i := 0; i < 20; i++ {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func repoRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("resolve repo root")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", "..")), nil
}

func cleanDB(t *testing.T) {
	t.Helper()
	if _, err := testDB.Exec(`TRUNCATE TABLE messages, chats, user_requests, users CASCADE`); err != nil {
		t.Fatalf("clean db: %v", err)
	}
}

func newStore(t *testing.T) *PostgresStore {
	t.Helper()
	cleanDB(t)
	return &PostgresStore{db: testDB, now: time.Now}
}

func TestNew_Success(t *testing.T) {
	pgStore, err := New(testConn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if pgStore == nil {
		t.Fatalf("expected store")
	}
	_ = pgStore.Close()
}

func TestUpsertChat_Integration(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)
	require.NoError(t, pgStore.EnsureUser(ctx, "u1"))
	require.NoError(t, pgStore.EnsureUser(ctx, "u2"))

	first := []storepkg.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b", Metadata: map[string]any{"toolCalls": []any{map[string]any{"name": "searchWeb"}}}},
	}
	require.NoError(t, pgStore.UpsertChat(ctx, storepkg.ChatUpsert{UserID: "u1", ChatID: "c1", Title: "a", Messages: first}))
	require.NoError(t, pgStore.UpsertChat(ctx, storepkg.ChatUpsert{UserID: "u1", ChatID: "c1", Title: "a2", Messages: []storepkg.Message{{Role: "user", Content: "z"}}}))

	chat, err := pgStore.GetChat(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, "a2", chat.Title)
	require.Len(t, chat.Messages, 1)
	require.Equal(t, "z", chat.Messages[0].Content)

	err = pgStore.UpsertChat(ctx, storepkg.ChatUpsert{UserID: "u2", ChatID: "c1", Title: "stolen", Messages: []storepkg.Message{{Role: "user", Content: "evil"}}})
	require.ErrorIs(t, err, storepkg.ErrChatOwnership)

	after, err := pgStore.GetChat(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, chat, after)

	foreign, err := pgStore.GetChat(ctx, "c1", "u2")
	require.NoError(t, err)
	require.Nil(t, foreign)
}

func TestUpsertChat_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)
	require.NoError(t, pgStore.EnsureUser(ctx, "u1"))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pgStore.UpsertChat(ctx, storepkg.ChatUpsert{
				UserID:   "u1",
				ChatID:   "c-race",
				Title:    "race",
				Messages: []storepkg.Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}},
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	chat, err := pgStore.GetChat(ctx, "c-race", "u1")
	require.NoError(t, err)
	require.Len(t, chat.Messages, 2)
}

func TestListChats_Integration(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)
	require.NoError(t, pgStore.EnsureUser(ctx, "u1"))

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"c1", "c2", "c3"} {
		at := base.Add(time.Duration(i) * time.Minute)
		pgStore.now = func() time.Time { return at }
		require.NoError(t, pgStore.UpsertChat(ctx, storepkg.ChatUpsert{UserID: "u1", ChatID: id, Title: id}))
	}

	chats, err := pgStore.ListChats(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, chats, 3)
	require.Equal(t, []string{"c3", "c2", "c1"}, []string{chats[0].ID, chats[1].ID, chats[2].ID})
}

func TestUserRequests_Integration(t *testing.T) {
	ctx := context.Background()
	pgStore := newStore(t)
	require.NoError(t, pgStore.EnsureUser(ctx, "u1"))

	midnight := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	require.NoError(t, pgStore.CreateUserRequest(ctx, "u1", midnight.Add(-time.Second)))
	require.NoError(t, pgStore.CreateUserRequest(ctx, "u1", midnight.Add(time.Hour)))

	count, err := pgStore.CountUserRequestsSince(ctx, "u1", midnight)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	isAdmin, err := pgStore.IsUserAdmin(ctx, "u1")
	require.NoError(t, err)
	require.False(t, isAdmin)
	require.NoError(t, pgStore.SetUserAdmin(ctx, "u1", true))
	isAdmin, err = pgStore.IsUserAdmin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, isAdmin)
}
