package versions

import (
	"log/slog"
	"slices"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"gorm.io/gorm"
)

func Migration_0_initial_schema(txn *gorm.DB) error {
	slog.Info("creating engine schema", "code", logging.SYSTEM)
	return txn.AutoMigrate(schema.AllTables()...)
}

func Rollback_0_initial_schema(txn *gorm.DB) error {
	tables := schema.AllTables()
	// Tables referencing others go first.
	slices.Reverse(tables)
	if err := txn.Migrator().DropTable("user_api_key_models"); err != nil {
		return err
	}
	return txn.Migrator().DropTable(tables...)
}
