package versions

import (
	"path/filepath"
	"testing"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "migrate.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db
}

// Row gormigrate records when the schema was created by InitSchema.
const schemaInitId = "SCHEMA_INIT"

// appliedVersions lists the recorded migration versions, without the schema
// init marker.
func appliedVersions(t *testing.T, db *gorm.DB) []string {
	var ids []string
	require.NoError(t, db.Table("migrations").Where("id <> ?", schemaInitId).Order("id").Pluck("id", &ids).Error)
	return ids
}

func hasSchemaInit(t *testing.T, db *gorm.DB) bool {
	var count int64
	require.NoError(t, db.Table("migrations").Where("id = ?", schemaInitId).Count(&count).Error)
	return count > 0
}

func TestMigrateCleanDatabase(t *testing.T) {
	db := openDb(t)

	require.NoError(t, Migrate(db))

	for _, table := range schema.AllTables() {
		require.True(t, db.Migrator().HasTable(table))
	}
	require.True(t, db.Migrator().HasIndex(&schema.JobLog{}, jobLogIndex))
	require.Equal(t, []string{"0", "1"}, appliedVersions(t, db))
	require.True(t, hasSchemaInit(t, db))

	// Running again is a no-op.
	require.NoError(t, Migrate(db))
	require.Equal(t, []string{"0", "1"}, appliedVersions(t, db))
}

func TestMigrateIncremental(t *testing.T) {
	db := openDb(t)

	// Database created before the job log index existed.
	require.NoError(t, Migration_0_initial_schema(db))
	require.NoError(t, db.Exec("CREATE TABLE migrations (id VARCHAR(255) PRIMARY KEY)").Error)
	require.NoError(t, db.Exec("INSERT INTO migrations (id) VALUES ('0')").Error)
	require.False(t, db.Migrator().HasIndex(&schema.JobLog{}, jobLogIndex))

	require.NoError(t, Migrate(db))
	require.True(t, db.Migrator().HasIndex(&schema.JobLog{}, jobLogIndex))
	require.Equal(t, []string{"0", "1"}, appliedVersions(t, db))
	require.False(t, hasSchemaInit(t, db))
}

func TestRollback(t *testing.T) {
	db := openDb(t)
	require.NoError(t, Migrate(db))

	require.NoError(t, RollbackTo(db, "0"))
	require.False(t, db.Migrator().HasIndex(&schema.JobLog{}, jobLogIndex))
	require.True(t, db.Migrator().HasTable(&schema.Model{}))
	require.Equal(t, []string{"0"}, appliedVersions(t, db))
}

func TestLatestVersion(t *testing.T) {
	require.Equal(t, "1", LatestVersion())
}
