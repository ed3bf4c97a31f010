package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func stores(t *testing.T) map[string]StateStore {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]StateStore{
		"sqlite": sq,
		"memory": NewMemoryStore(),
	}
}

func TestStateStoreGetSetClear(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var v string
			found, err := store.Get(ctx, "missing", &v)
			if err != nil || found {
				t.Fatalf("Get(missing) = %v, %v", found, err)
			}

			if err := store.Set(ctx, "k", "one"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := store.Set(ctx, "k", "two"); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			found, err = store.Get(ctx, "k", &v)
			if err != nil || !found || v != "two" {
				t.Fatalf("Get(k) = %q, %v, %v", v, found, err)
			}

			if err := store.Clear(ctx, "k"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if err := store.Clear(ctx, "k"); err != nil {
				t.Fatalf("Clear twice: %v", err)
			}
			if found, _ := store.Get(ctx, "k", &v); found {
				t.Fatal("key should be gone after Clear")
			}
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	first, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Set(ctx, "device_id", "abc"); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	var got string
	if found, err := second.Get(ctx, "device_id", &got); err != nil || !found || got != "abc" {
		t.Fatalf("reopened Get = %q, %v, %v", got, found, err)
	}
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestIdentityStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	state := NewMemoryStore()
	ids, err := NewIdentityStore(state, testKey())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ids.LoadIdentity(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	want := Identity{
		TenantID:   "tenant-1",
		DeviceID:   "dev-1",
		DeviceName: "Caixa 1",
		Secret:     "s3cr3t",
		PairedAt:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := ids.SaveIdentity(ctx, want); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}

	var raw sealedIdentity
	if _, err := state.Get(ctx, identityKey, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.SealedSecret == "" || raw.SealedSecret == want.Secret {
		t.Fatalf("secret should be sealed at rest, got %q", raw.SealedSecret)
	}

	got, err := ids.LoadIdentity(ctx)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if got != want {
		t.Fatalf("LoadIdentity = %+v, want %+v", got, want)
	}

	if err := ids.ClearIdentity(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ids.LoadIdentity(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity after clear, got %v", err)
	}
}

func TestIdentityStoreRejectsIncomplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ids, _ := NewIdentityStore(NewMemoryStore(), testKey())
	prev := Identity{TenantID: "t", DeviceID: "d", Secret: "old"}
	if err := ids.SaveIdentity(ctx, prev); err != nil {
		t.Fatal(err)
	}
	if err := ids.SaveIdentity(ctx, Identity{TenantID: "t2"}); err == nil {
		t.Fatal("incomplete identity should be rejected")
	}
	got, err := ids.LoadIdentity(ctx)
	if err != nil || got.Secret != "old" {
		t.Fatalf("previous identity should survive a rejected save: %+v, %v", got, err)
	}
}

func TestIdentityStoreWrongKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	state := NewMemoryStore()
	ids, _ := NewIdentityStore(state, testKey())
	if err := ids.SaveIdentity(ctx, Identity{TenantID: "t", DeviceID: "d", Secret: "x"}); err != nil {
		t.Fatal(err)
	}
	other, _ := NewIdentityStore(state, make([]byte, 32))
	if _, err := other.LoadIdentity(ctx); err == nil || errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected unseal error, got %v", err)
	}

	if _, err := NewIdentityStore(state, []byte("short")); err == nil {
		t.Fatal("short key should be rejected")
	}
}

func TestDeviceIDIsStable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ids, _ := NewIdentityStore(NewMemoryStore(), testKey())
	first, err := ids.DeviceID(ctx)
	if err != nil || first == "" {
		t.Fatalf("DeviceID = %q, %v", first, err)
	}
	second, _ := ids.DeviceID(ctx)
	if first != second {
		t.Fatalf("device id changed: %s -> %s", first, second)
	}

	// Unpairing keeps the device id.
	ids.SaveIdentity(ctx, Identity{TenantID: "t", DeviceID: first, Secret: "x"})
	ids.ClearIdentity(ctx)
	third, _ := ids.DeviceID(ctx)
	if third != first {
		t.Fatalf("device id should survive unpair: %s -> %s", first, third)
	}
}

func TestStateStoreCompareAndClear(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Set(ctx, "k", map[string]string{"v": "one"}); err != nil {
				t.Fatal(err)
			}
			var seen json.RawMessage
			if _, err := store.Get(ctx, "k", &seen); err != nil {
				t.Fatal(err)
			}

			if err := store.Set(ctx, "k", map[string]string{"v": "two"}); err != nil {
				t.Fatal(err)
			}
			cleared, err := store.CompareAndClear(ctx, "k", seen)
			if err != nil || cleared {
				t.Fatalf("stale CompareAndClear = %v, %v; want no delete", cleared, err)
			}
			var v map[string]string
			if found, _ := store.Get(ctx, "k", &v); !found || v["v"] != "two" {
				t.Fatalf("newer value should survive, got %v (found=%v)", v, found)
			}

			if _, err := store.Get(ctx, "k", &seen); err != nil {
				t.Fatal(err)
			}
			cleared, err = store.CompareAndClear(ctx, "k", seen)
			if err != nil || !cleared {
				t.Fatalf("CompareAndClear = %v, %v; want delete", cleared, err)
			}
			if found, _ := store.Get(ctx, "k", &v); found {
				t.Fatal("key should be gone")
			}
			if cleared, err := store.CompareAndClear(ctx, "k", seen); err != nil || cleared {
				t.Fatalf("CompareAndClear on missing key = %v, %v", cleared, err)
			}
		})
	}
}

// The service and a CLI re-pair open the same database file.
func TestClearIdentityIfKeepsNewerIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")
	open := func() *IdentityStore {
		sq, err := OpenSQLite(path)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { sq.Close() })
		ids, err := NewIdentityStore(sq, testKey())
		if err != nil {
			t.Fatal(err)
		}
		return ids
	}
	service, cli := open(), open()

	if err := service.SaveIdentity(ctx, Identity{TenantID: "t", DeviceID: "d", Secret: "old-secret"}); err != nil {
		t.Fatal(err)
	}
	if err := cli.SaveIdentity(ctx, Identity{TenantID: "t", DeviceID: "d", Secret: "new-secret"}); err != nil {
		t.Fatal(err)
	}

	current, err := service.ClearIdentityIf(ctx, "old-secret")
	if err != nil {
		t.Fatalf("ClearIdentityIf: %v", err)
	}
	if current.Secret != "new-secret" {
		t.Fatalf("ClearIdentityIf returned %+v, want the re-paired identity", current)
	}
	if got, err := cli.LoadIdentity(ctx); err != nil || got.Secret != "new-secret" {
		t.Fatalf("re-paired identity lost: %+v, %v", got, err)
	}

	current, err = service.ClearIdentityIf(ctx, "new-secret")
	if err != nil || current.Valid() {
		t.Fatalf("ClearIdentityIf(matching) = %+v, %v", current, err)
	}
	if _, err := cli.LoadIdentity(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("identity should be cleared, got %v", err)
	}
	if current, err := service.ClearIdentityIf(ctx, "new-secret"); err != nil || current.Valid() {
		t.Fatalf("ClearIdentityIf with nothing stored = %+v, %v", current, err)
	}
}

func TestClearIdentityIfDropsUnreadableIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	state := NewMemoryStore()
	ids, _ := NewIdentityStore(state, testKey())
	if err := ids.SaveIdentity(ctx, Identity{TenantID: "t", DeviceID: "d", Secret: "x"}); err != nil {
		t.Fatal(err)
	}
	other, _ := NewIdentityStore(state, make([]byte, 32))
	if current, err := other.ClearIdentityIf(ctx, "y"); err != nil || current.Valid() {
		t.Fatalf("ClearIdentityIf = %+v, %v", current, err)
	}
	if _, err := ids.LoadIdentity(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("unreadable identity should be cleared, got %v", err)
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	l, err := NewLayout(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(l.CertPath()) != "agent.crt" || filepath.Base(l.KeyPath()) != "agent.key" {
		t.Errorf("unexpected TLS paths %s %s", l.CertPath(), l.KeyPath())
	}
	if filepath.Dir(l.CertPath()) != l.TLSDir() {
		t.Errorf("cert should live in TLSDir")
	}
	if l.DBPath() != filepath.Join(l.DataDir, "agent.db") {
		t.Errorf("DBPath = %s", l.DBPath())
	}
	if _, err := NewLayout(""); err == nil {
		t.Error("empty data dir should fail")
	}
}
