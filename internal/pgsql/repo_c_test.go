package pgsql

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	ilog "mcctl/internal/log"
)

func TestStatePatchSQL(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	patch := NewStatePatch().
		SetState("PROVISIONING").
		SetRegion("eu", "cx33").
		SetStartedAt(now).
		SetState("RUNNING")

	query, args := patch.SQL()
	want := "UPDATE server_state SET state = $1, region = $2, server_type = $3, started_at = $4, updated_at = NOW() WHERE id = $5"
	if query != want {
		t.Fatalf("query mismatch:\n got=%s\nwant=%s", query, want)
	}
	if len(args) != 5 || args[0] != "RUNNING" || args[4] != ServerStateRowID {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestStatePatchClearTransient(t *testing.T) {
	patch := NewStatePatch().SetState("OFFLINE").ClearTransient()
	want := []string{"state", "vps_id", "vps_ip", "region", "server_type", "started_at", "idle_since", "player_count"}
	if got := patch.Columns(); !reflect.DeepEqual(got, want) {
		t.Fatalf("columns=%v want=%v", got, want)
	}

	s := ServerState{
		State:        "RUNNING",
		VPSID:        toNullString("123"),
		VPSIP:        toNullString("203.0.113.7"),
		Region:       toNullString("eu"),
		ServerType:   toNullString("cx33"),
		StartedAt:    toNullTime(time.Now()),
		IdleSince:    toNullTime(time.Now()),
		PlayerCount:  4,
		RCONPassword: toNullString("keep-me"),
	}
	patch.ApplyTo(&s)
	if s.State != "OFFLINE" || s.VPSID.Valid || s.VPSIP.Valid || s.Region.Valid || s.ServerType.Valid ||
		s.StartedAt.Valid || s.IdleSince.Valid || s.PlayerCount != 0 {
		t.Fatalf("transient fields not cleared: %+v", s)
	}
	if s.RCONPassword.String != "keep-me" {
		t.Fatalf("untouched column changed: %+v", s)
	}
}

func TestStatePatchEmpty(t *testing.T) {
	var nilPatch *StatePatch
	if !nilPatch.Empty() || !NewStatePatch().Empty() {
		t.Fatalf("expected empty patches")
	}
	if err := NewServerStateRepoI(nil).Apply(context.Background(), NewStatePatch()); err != nil {
		t.Fatalf("empty patch should be a no-op: %v", err)
	}
}

// TestRepos_Roundtrip runs against a real database and keeps its rows.
func TestRepos_Roundtrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	ilog.SetupLogger(ilog.LevelDebug)
	logger := ilog.Component("test")

	connector := NewConnector(dsn)
	if err := connector.Connect(ctx); err != nil {
		t.Fatalf("connect db failed: %v", err)
	}
	defer connector.Close()
	if err := Migrate(ctx, connector.DB()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	logger.Infof("database connected and migrated")

	repos := NewRepos(connector)

	if err := repos.ServerState.Apply(ctx, NewStatePatch().SetState("PROVISIONING").SetRegion("eu", "cx33").SetPlayerCount(3)); err != nil {
		t.Fatalf("apply patch failed: %v", err)
	}
	st, err := repos.ServerState.Get(ctx)
	if err != nil {
		t.Fatalf("read state failed: %v", err)
	}
	if st.State != "PROVISIONING" || st.Region.String != "eu" || st.PlayerCount != 3 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if err := repos.ServerState.Apply(ctx, NewStatePatch().SetState("OFFLINE").ClearTransient()); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	started := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	sessionID, err := repos.Session.Create(ctx, Session{StartedAt: started, Region: "eu", ServerType: "cx33", VPSID: "repo-test-" + shortHex(3)})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if err := repos.Session.RaiseMaxPlayers(ctx, sessionID, 5); err != nil {
		t.Fatalf("raise max players failed: %v", err)
	}
	if err := repos.Session.RaiseMaxPlayers(ctx, sessionID, 2); err != nil {
		t.Fatalf("raise max players failed: %v", err)
	}
	cur, err := repos.Session.Current(ctx)
	if err != nil || cur == nil {
		t.Fatalf("current session missing: %v", err)
	}
	if cur.MaxPlayers != 5 {
		t.Fatalf("max players decreased: %d", cur.MaxPlayers)
	}
	if err := repos.Session.SetWorldSize(ctx, sessionID, 4096); err != nil {
		t.Fatalf("set world size failed: %v", err)
	}
	if err := repos.Session.Close(ctx, sessionID, time.Now(), 3600, 0.0085, sql.NullInt64{}); err != nil {
		t.Fatalf("close session failed: %v", err)
	}
	closed, err := repos.Session.History(ctx, 1, 0)
	if err != nil || len(closed) == 0 {
		t.Fatalf("history: %v", err)
	}
	if closed[0].ID == sessionID && closed[0].WorldSizeBytes.Int64 != 4096 {
		t.Fatalf("world size lost on close: %+v", closed[0].WorldSizeBytes)
	}

	month := "1999-" + time.Now().Format("01")
	before, err := repos.MonthlySummary.Get(ctx, month)
	if err != nil {
		t.Fatalf("read summary failed: %v", err)
	}
	if err := repos.MonthlySummary.AddUsage(ctx, month, "eu", 1, 0.0085); err != nil {
		t.Fatalf("add usage failed: %v", err)
	}
	after, err := repos.MonthlySummary.Get(ctx, month)
	if err != nil {
		t.Fatalf("read summary failed: %v", err)
	}
	if after.SessionCount != before.SessionCount+1 || after.EUHours+after.USHours != after.TotalHours {
		t.Fatalf("summary not additive: before=%+v after=%+v", before, after)
	}

	backupID, err := repos.Backup.Record(ctx, sql.NullInt64{Int64: 1024, Valid: true}, sql.NullInt64{Int64: sessionID, Valid: true}, BackupShutdown)
	if err != nil {
		t.Fatalf("record backup failed: %v", err)
	}
	last, err := repos.Backup.Last(ctx)
	if err != nil || last == nil {
		t.Fatalf("last backup missing: %v", err)
	}

	name := "rt_" + shortHex(4)
	if err := repos.Whitelist.Upsert(ctx, WhitelistEntry{Username: name, AddedBy: toNullString("repo_test")}); err != nil {
		t.Fatalf("upsert whitelist failed: %v", err)
	}
	if e, err := repos.Whitelist.Get(ctx, strings.ToUpper(name)); err != nil || e == nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
	if removed, err := repos.Whitelist.Remove(ctx, name); err != nil || !removed {
		t.Fatalf("remove whitelist failed: removed=%v err=%v", removed, err)
	}

	t.Logf("rows inserted: session=%d backup=%d", sessionID, backupID)
	logger.Infof("repo roundtrip finished")
}

func shortHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
