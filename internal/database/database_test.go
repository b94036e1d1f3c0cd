package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rermius/connmgr/internal/hosts"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestStoreHostRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupTestDB(t))

	in := hosts.HostConfig{
		ID:             "app",
		Label:          "App server",
		Hostname:       "10.0.0.5",
		Port:           2222,
		Username:       "deploy",
		AuthMethod:     hosts.AuthKey,
		KeyID:          "k1",
		ProxyJump:      []string{"edge", "bastion"},
		ConnectionType: hosts.TypeSSH,
	}
	if err := s.SaveHost(ctx, in); err != nil {
		t.Fatalf("SaveHost: %v", err)
	}

	got, err := s.GetHost(ctx, "app")
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got.Hostname != in.Hostname || got.Port != 2222 || got.AuthMethod != hosts.AuthKey {
		t.Errorf("got %+v", got)
	}
	if len(got.ProxyJump) != 2 || got.ProxyJump[0] != "edge" || got.ProxyJump[1] != "bastion" {
		t.Errorf("ProxyJump = %v, want [edge bastion]", got.ProxyJump)
	}

	if _, err := s.GetHost(ctx, "nope"); !errors.Is(err, hosts.ErrHostNotFound) {
		t.Errorf("missing host error = %v", err)
	}
}

func TestStoreRejectsInvalidHost(t *testing.T) {
	s := NewStore(setupTestDB(t))
	err := s.SaveHost(context.Background(), hosts.HostConfig{ID: "x", ConnectionType: hosts.TypeSSH, AuthMethod: hosts.AuthAgent})
	if err == nil {
		t.Fatal("expected validation error for host without hostname")
	}
}

func TestStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupTestDB(t))

	if err := s.SaveKey(ctx, hosts.Key{ID: "k1", Label: "deploy", PrivateKey: []byte("PEM"), Passphrase: "pw"}); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	k, err := s.GetKey(ctx, "k1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if string(k.PrivateKey) != "PEM" || k.Passphrase != "pw" {
		t.Errorf("key = %+v", k)
	}

	if err := s.DeleteKey(ctx, "k1"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := s.GetKey(ctx, "k1"); !errors.Is(err, hosts.ErrKeyNotFound) {
		t.Errorf("deleted key error = %v, want ErrKeyNotFound", err)
	}
}

func TestImportUpsertsInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupTestDB(t))

	inv := &hosts.Inventory{
		Keys: []hosts.Key{{ID: "k", PrivateKey: []byte("one")}},
		Hosts: []hosts.HostConfig{
			{ID: "zeta", Hostname: "z", ConnectionType: hosts.TypeSSH, AuthMethod: hosts.AuthAgent},
			{ID: "alpha", Hostname: "a", ConnectionType: hosts.TypeSSH, AuthMethod: hosts.AuthKey, KeyID: "k"},
		},
	}
	if err := s.Import(ctx, inv); err != nil {
		t.Fatalf("Import: %v", err)
	}

	inv.Keys[0].PrivateKey = []byte("two")
	inv.Hosts[1].Hostname = "a2"
	if err := s.Import(ctx, inv); err != nil {
		t.Fatalf("re-Import: %v", err)
	}

	list, err := s.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(list) != 2 || list[0].ID != "zeta" || list[1].Hostname != "a2" {
		t.Fatalf("ListHosts = %+v", list)
	}
	k, _ := s.GetKey(ctx, "k")
	if string(k.PrivateKey) != "two" {
		t.Errorf("key not updated: %q", k.PrivateKey)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "connmgr.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(db)

	if !db.Migrator().HasTable(&Host{}) || !db.Migrator().HasTable(&Key{}) {
		t.Fatal("tables not migrated")
	}
}
