package database

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/test.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testSession(userID, name, status string, active bool) *Session {
	return &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        name,
		SessionType: TypeLocal,
		Mode:        ModeInteractive,
		Status:      status,
		IsActive:    active,
	}
}

func TestSessionRepo_CreateAndGet(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	rec := testSession("alice", "dev", StatusPending, true)
	rec.Environment = EnvMap{"TERM": "xterm-256color"}
	rec.ConnectionInfo = ConnectionInfo{Host: "example.com", Port: 22, Username: "root"}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "dev" || got.Status != StatusPending {
		t.Errorf("got = %+v", got)
	}
	if got.Environment["TERM"] != "xterm-256color" {
		t.Errorf("environment did not survive the round trip: %+v", got.Environment)
	}
	if got.ConnectionInfo.Host != "example.com" || got.ConnectionInfo.Port != 22 {
		t.Errorf("connection info did not survive the round trip: %+v", got.ConnectionInfo)
	}

	if _, err := repo.GetByID(ctx, "no-such-id"); !errdefs.IsNotFound(err) {
		t.Errorf("missing id err = %v, want NotFound", err)
	}
}

func TestSessionRepo_LiveNameUniqueness(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testSession("alice", "dev", StatusActive, true)); err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Second live session with the same (user, name) violates the partial
	// unique index.
	err := repo.Create(ctx, testSession("alice", "dev", StatusPending, true))
	if !errdefs.IsConflict(err) {
		t.Fatalf("duplicate live create err = %v, want Conflict", err)
	}

	// Closed sessions don't occupy the name; other users never conflict.
	if err := repo.Create(ctx, testSession("alice", "dev", StatusTerminated, false)); err != nil {
		t.Errorf("closed duplicate rejected: %v", err)
	}
	if err := repo.Create(ctx, testSession("bob", "dev", StatusActive, true)); err != nil {
		t.Errorf("cross-user name rejected: %v", err)
	}
}

func TestSessionRepo_GetActiveByName(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	closed := testSession("alice", "dev", StatusTerminated, false)
	if err := repo.Create(ctx, closed); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.GetActiveByName(ctx, "alice", "dev"); !errdefs.IsNotFound(err) {
		t.Fatalf("closed session matched live lookup: %v", err)
	}

	live := testSession("alice", "dev", StatusActive, true)
	if err := repo.Create(ctx, live); err != nil {
		t.Fatal(err)
	}
	got, err := repo.GetActiveByName(ctx, "alice", "dev")
	if err != nil {
		t.Fatalf("live lookup: %v", err)
	}
	if got.ID != live.ID {
		t.Errorf("got %s, want %s", got.ID, live.ID)
	}
}

func TestSessionRepo_UpdateAndDelete(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	rec := testSession("alice", "dev", StatusActive, true)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	rec.Status = StatusTerminated
	rec.IsActive = false
	rec.EndTime = &now
	rec.ExitCode = intPtr(0)
	if err := repo.Update(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := repo.GetByID(ctx, rec.ID)
	if got.Status != StatusTerminated || got.IsActive || got.EndTime == nil {
		t.Errorf("update not persisted: %+v", got)
	}

	// Delete removes the record and its command history.
	if err := repo.RecordCommand(ctx, &SessionCommand{
		ID: uuid.New().String(), SessionID: rec.ID, Command: "ls",
	}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, rec.ID); !errdefs.IsNotFound(err) {
		t.Errorf("record survived delete: %v", err)
	}
	if _, total, _ := repo.ListCommands(ctx, rec.ID, 0, 10); total != 0 {
		t.Errorf("%d command rows survived delete", total)
	}
}

func intPtr(v int) *int { return &v }

func TestSessionRepo_ListByUser(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	for i, s := range []*Session{
		testSession("alice", "one", StatusActive, true),
		testSession("alice", "two", StatusTerminated, false),
		testSession("bob", "three", StatusActive, true),
	} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	all, total, err := repo.ListByUser(ctx, "alice", false, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Errorf("all = %d/%d rows, want 2", len(all), total)
	}

	live, total, err := repo.ListByUser(ctx, "alice", true, 0, 10)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if total != 1 || len(live) != 1 || live[0].Name != "one" {
		t.Errorf("live = %+v (total %d)", live, total)
	}

	// Pagination.
	page, total, err := repo.ListByUser(ctx, "alice", false, 1, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if total != 2 || len(page) != 1 {
		t.Errorf("page = %d rows of %d", len(page), total)
	}
}

func TestSessionRepo_ListLive(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testSession("alice", "live", StatusActive, true)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, testSession("bob", "dead", StatusTerminated, false)); err != nil {
		t.Fatal(err)
	}

	live, err := repo.ListLive(ctx)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 1 || live[0].Name != "live" {
		t.Errorf("live = %+v", live)
	}
}

func TestSessionRepo_Search(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	web := testSession("alice", "web-server", StatusActive, true)
	web.SessionType = TypeSSH
	db := testSession("alice", "db-console", StatusTerminated, false)
	other := testSession("bob", "web-scraper", StatusActive, true)
	for _, s := range []*Session{web, db, other} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	byName, total, err := repo.Search(ctx, "alice", SearchCriteria{Query: "web"}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 || byName[0].Name != "web-server" {
		t.Errorf("name search = %+v (total %d)", byName, total)
	}

	byType, total, _ := repo.Search(ctx, "alice", SearchCriteria{SessionType: TypeSSH}, 0, 10)
	if total != 1 || byType[0].Name != "web-server" {
		t.Errorf("type search = %+v (total %d)", byType, total)
	}

	byStatus, total, _ := repo.Search(ctx, "alice", SearchCriteria{Status: StatusTerminated}, 0, 10)
	if total != 1 || byStatus[0].Name != "db-console" {
		t.Errorf("status search = %+v (total %d)", byStatus, total)
	}

	liveOnly, total, _ := repo.Search(ctx, "alice", SearchCriteria{ActiveOnly: true}, 0, 10)
	if total != 1 || liveOnly[0].Name != "web-server" {
		t.Errorf("active-only search = %+v (total %d)", liveOnly, total)
	}
}

func TestSessionRepo_CommandsAndStats(t *testing.T) {
	repo := NewSessionRepo(testDB(t))
	ctx := context.Background()

	rec := testSession("alice", "dev", StatusTerminated, false)
	rec.CommandCount = 2
	rec.DurationSeconds = 90
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, testSession("alice", "dev2", StatusActive, true)); err != nil {
		t.Fatal(err)
	}

	for _, cmd := range []string{"ls", "pwd"} {
		if err := repo.RecordCommand(ctx, &SessionCommand{
			ID: uuid.New().String(), SessionID: rec.ID, Command: cmd,
			StartedAt: time.Now(), FinishedAt: time.Now(),
		}); err != nil {
			t.Fatalf("record %q: %v", cmd, err)
		}
	}

	cmds, total, err := repo.ListCommands(ctx, rec.ID, 0, 10)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if total != 2 || len(cmds) != 2 {
		t.Errorf("commands = %d/%d, want 2", len(cmds), total)
	}

	stats, err := repo.UserStats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 || stats.Terminated != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalCommands != 2 || stats.TotalSeconds != 90 {
		t.Errorf("aggregates = %+v", stats)
	}
}
