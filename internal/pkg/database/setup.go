package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the shared connection, nil before SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// DSN builds the MySQL data source name from DB_* settings.
func DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// Models lists every table the engine owns or reads.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Transaction{},
		&models.PaymentSubscription{},
		&models.Balance{},
		&models.LedgerEntry{},
		&models.ReferralTransaction{},
		&models.ReferralCode{},
		&models.CreatorFeeSettings{},
		&models.ProcessedWebhookEvent{},
		&models.Campaign{},
		&models.ProductPrice{},
		&models.CustomerAddress{},
		&models.PaymentMethod{},
		&models.Notification{},
	}
}

func SetupDatabase() {
	var err error
	dsn := DSN()

	level := logger.Warn
	if env.IsDev() {
		level = logger.Info
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  false,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{
			// Unique violations surface as gorm.ErrDuplicatedKey for idempotency checks.
			TranslateError: true,
			Logger:         logger.Default.LogMode(level),
			NowFunc:        func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", true) {
				if err = DB.AutoMigrate(Models()...); err != nil {
					log.Errorf("[Database] auto migrate failed: %v", err)
					panic(err)
				}
			}
			return
		}

		log.Warnf("[Database] Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
