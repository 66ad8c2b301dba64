package db

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/glebarez/sqlite"
	"github.com/rankwell/rankwell/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations. Query logging is
// off so gorm output cannot interleave with CLI prompts.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(&models.Credential{}, &models.Setting{}); err != nil {
		return nil, err
	}

	return database, nil
}

// GetAPIKey retrieves the agent API key. Empty means no key is configured
// and the local API is open (first-run scenario).
func GetAPIKey(database *gorm.DB) string {
	var setting models.Setting
	database.Where("key = ?", "api_key").First(&setting)
	return setting.Value
}

// RegenerateAPIKey creates a new agent API key: rk-<32 hex chars>.
func RegenerateAPIKey(database *gorm.DB) string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	apiKey := "rk-" + hex.EncodeToString(keyBytes)

	var setting models.Setting
	if err := database.Where("key = ?", "api_key").First(&setting).Error; err != nil {
		database.Create(&models.Setting{Key: "api_key", Value: apiKey})
	} else {
		database.Model(&models.Setting{}).Where("key = ?", "api_key").Update("value", apiKey)
	}
	return apiKey
}
