package repositories_test

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
)

// newTestDB opens a private in-memory SQLite database, migrated the same
// way the server migrates a real one, so repository tests exercise real
// SQL rather than a mock. Each test gets its own named in-memory database
// so they do not see each other's rows.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gdb
}
