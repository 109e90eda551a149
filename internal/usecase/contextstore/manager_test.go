package contextstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"maestro/internal/adapter/contextdb"
	"maestro/internal/domain"
	"maestro/internal/infra/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := contextdb.NewSQLiteStore(filepath.Join(t.TempDir(), "ctx.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m, err := NewManager(store, Options{TTL: 24 * time.Hour, CacheSize: 8}, logger.Discard())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data := map[string]any{"phase": "implementation", "files": []any{"server.py"}}
	if err := m.Save(ctx, "protocol-expert", data, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := m.Load(ctx, "protocol-expert", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["phase"] != "implementation" {
		t.Errorf("phase = %v, want implementation", got["phase"])
	}
}

func TestLoadMissingContext(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Load(context.Background(), "nobody", "")
	if !errors.Is(err, domain.ErrContextNotFound) {
		t.Errorf("err = %v, want ErrContextNotFound", err)
	}
}

func TestExpiredContextIsAbsent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Save(ctx, "security-auditor", map[string]any{"k": "v"}, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Advance the clock past the TTL.
	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	if _, err := m.Load(ctx, "security-auditor", ""); !errors.Is(err, domain.ErrContextNotFound) {
		t.Errorf("err = %v, want ErrContextNotFound after expiry", err)
	}
	// Lazy purge removed the record from the store too.
	m.now = time.Now
	if _, err := m.Load(ctx, "security-auditor", ""); !errors.Is(err, domain.ErrContextNotFound) {
		t.Errorf("expired record should be purged from store, got err = %v", err)
	}
}

func TestResaveRestartsExpiry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	if err := m.Save(ctx, "debugger", map[string]any{"step": "triage"}, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Re-save 20h in; the context is live again for a full TTL from here.
	m.now = func() time.Time { return base.Add(20 * time.Hour) }
	if err := m.Save(ctx, "debugger", map[string]any{"step": "fixing"}, ""); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	// 30h after the first save, 10h after the second. A cold cache forces
	// the read back through the store.
	m.now = func() time.Time { return base.Add(30 * time.Hour) }
	m.cache.Purge()

	got, err := m.Load(ctx, "debugger", "")
	if err != nil {
		t.Fatalf("load after re-save: %v", err)
	}
	if got["step"] != "fixing" {
		t.Errorf("step = %v, want fixing", got["step"])
	}

	n, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 0 {
		t.Errorf("cleanup removed %d records, want 0", n)
	}
}

func TestShareAddsProvenance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	source := map[string]any{"api_design": "rest", "secret": "nope", "transport": "stdio"}
	if err := m.Save(ctx, "orchestrator", source, ""); err != nil {
		t.Fatalf("save source: %v", err)
	}
	if err := m.Save(ctx, "protocol-expert", map[string]any{"existing": true}, ""); err != nil {
		t.Fatalf("save target: %v", err)
	}

	if err := m.Share(ctx, "orchestrator", "protocol-expert", []string{"api_design", "transport", "missing"}, ""); err != nil {
		t.Fatalf("share: %v", err)
	}

	got, err := m.Load(ctx, "protocol-expert", "")
	if err != nil {
		t.Fatalf("load target: %v", err)
	}
	if got["api_design"] != "rest" || got["transport"] != "stdio" {
		t.Errorf("shared keys missing: %v", got)
	}
	if got["existing"] != true {
		t.Error("share must merge, not replace, the target context")
	}
	if _, ok := got["secret"]; ok {
		t.Error("unrequested key must not be shared")
	}
	prov, ok := got[sharedFromKey].(map[string]any)
	if !ok {
		t.Fatalf("missing %s provenance: %v", sharedFromKey, got)
	}
	if prov["source_agent"] != "orchestrator" {
		t.Errorf("provenance source = %v", prov["source_agent"])
	}
}

func TestShareFromMissingSource(t *testing.T) {
	m := newTestManager(t)
	err := m.Share(context.Background(), "ghost", "protocol-expert", []string{"k"}, "")
	if !errors.Is(err, domain.ErrContextNotFound) {
		t.Errorf("err = %v, want ErrContextNotFound", err)
	}
}

func TestSessionContextAndClear(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, agent := range []string{"orchestrator", "debugger"} {
		if err := m.Save(ctx, agent, map[string]any{"agent": agent}, ""); err != nil {
			t.Fatalf("save %s: %v", agent, err)
		}
	}

	all, err := m.SessionContext(ctx, "")
	if err != nil {
		t.Fatalf("session context: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d contexts, want 2", len(all))
	}

	if err := m.ClearSession(ctx, ""); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	all, err = m.SessionContext(ctx, "")
	if err != nil {
		t.Fatalf("session context after clear: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty session after clear, got %v", all)
	}
}

func TestCleanupExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Save(ctx, "old-agent", map[string]any{"k": 1}, "s1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if err := m.Save(ctx, "fresh-agent", map[string]any{"k": 2}, "s1"); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	n, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned %d records, want 1", n)
	}
	if _, err := m.Load(ctx, "fresh-agent", "s1"); err != nil {
		t.Errorf("fresh context must survive cleanup: %v", err)
	}
}

func TestExportImportSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Save(ctx, "orchestrator", map[string]any{"plan": "v1"}, "sess-a"); err != nil {
		t.Fatalf("save: %v", err)
	}
	export, err := m.ExportSession(ctx, "sess-a")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(export.Contexts) != 1 {
		t.Fatalf("exported %d contexts, want 1", len(export.Contexts))
	}

	m2 := newTestManager(t)
	if err := m2.ImportSession(ctx, export); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := m2.Load(ctx, "orchestrator", "sess-a")
	if err != nil {
		t.Fatalf("load imported: %v", err)
	}
	if got["plan"] != "v1" {
		t.Errorf("imported context = %v", got)
	}

	if err := m2.ImportSession(ctx, &SessionExport{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("import without session id: err = %v, want ErrInvalidInput", err)
	}
}
