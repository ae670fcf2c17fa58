package services

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"claim-processor/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

// newTestDB opens an isolated in-memory database with the same error
// translation the production Postgres connection uses.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.ClaimRecord{},
		&models.BanRecord{},
		&models.FailureRecord{},
		&models.ClaimLock{},
		&models.WalletLease{},
	); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}
