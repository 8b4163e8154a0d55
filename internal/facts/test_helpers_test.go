package facts

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/dailygrid/backend/internal/games"
)

func mustActivityID(t *testing.T, value string) ActivityID {
	t.Helper()
	id, err := NewActivityID(value)
	if err != nil {
		t.Fatalf("unexpected activity id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustTimestamp(t *testing.T, value int64) UnixTimestamp {
	t.Helper()
	ts, err := NewUnixTimestamp(value)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	return ts
}

func mustDateKey(t *testing.T, value int) DateKey {
	t.Helper()
	key, err := NewDateKey(value)
	if err != nil {
		t.Fatalf("unexpected date key error: %v", err)
	}
	return key
}

type staticIDGenerator struct {
	prefix string
	next   int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newTestStore(t *testing.T, clock func() time.Time) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:facts_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Result{}, &Score{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{prefix: "result"},
		Catalog:    games.DefaultCatalog(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}
