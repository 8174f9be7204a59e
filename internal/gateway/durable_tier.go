package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("durable_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("durable_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("durable_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("durable_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("durable_store.unsupported_no_scheme")
)

// StoredTokenRecord is the system-of-record row, unique on (provider, subject_id).
type StoredTokenRecord struct {
	ID                    uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Provider              string    `gorm:"column:provider;size:50;not null;uniqueIndex:uq_provider_subject,priority:1"`
	SubjectID             string    `gorm:"column:subject_id;size:255;not null;uniqueIndex:uq_provider_subject,priority:2"`
	ProviderAccessToken   string    `gorm:"column:provider_access_token;type:text;not null"`
	ProviderRefreshToken  string    `gorm:"column:provider_refresh_token;type:text"`
	LocalAccessToken      string    `gorm:"column:local_access_token;type:text;not null"`
	LocalRefreshToken     string    `gorm:"column:local_refresh_token;type:text;not null"`
	ProviderExpiresAt     time.Time `gorm:"column:provider_expires_at;not null;index:idx_oauth_tokens_provider_expires_at"`
	LocalAccessExpiresAt  time.Time `gorm:"column:local_access_expires_at;not null"`
	LocalRefreshExpiresAt time.Time `gorm:"column:local_refresh_expires_at;not null"`
	CreatedAt             time.Time `gorm:"column:created_at;not null"`
	UpdatedAt             time.Time `gorm:"column:updated_at;not null"`
}

func (StoredTokenRecord) TableName() string {
	return "oauth_tokens"
}

// DurableTier is the relational audit/recovery store. Create reports ErrConflict
// when a row for the same (provider, subject) already exists.
type DurableTier interface {
	FindByProviderAndSubject(ctx context.Context, provider string, subjectID string) (StoredTokenRecord, error)
	Create(ctx context.Context, record *StoredTokenRecord) error
	Save(ctx context.Context, record *StoredTokenRecord) error
	DeleteByProviderAndSubject(ctx context.Context, provider string, subjectID string) error
}

// GormDurableTier persists StoredTokenRecord rows with GORM.
type GormDurableTier struct {
	db          *gorm.DB
	driverLabel string
}

// NewGormDurableTier opens the database and migrates the oauth_tokens table.
func NewGormDurableTier(ctx context.Context, databaseURL string) (*GormDurableTier, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("durable_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if openErr != nil {
		return nil, fmt.Errorf("durable_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&StoredTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("durable_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &GormDurableTier{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (tier *GormDurableTier) Driver() string {
	return tier.driverLabel
}

// FindByProviderAndSubject loads the row for one identity.
func (tier *GormDurableTier) FindByProviderAndSubject(ctx context.Context, provider string, subjectID string) (StoredTokenRecord, error) {
	var record StoredTokenRecord
	err := tier.db.WithContext(ctx).
		Where("provider = ? AND subject_id = ?", provider, subjectID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredTokenRecord{}, fmt.Errorf("durable_store.find.%s: %w", tier.driverLabel, ErrRecordNotFound)
	}
	if err != nil {
		return StoredTokenRecord{}, fmt.Errorf("durable_store.find.%s: %w", tier.driverLabel, err)
	}
	return record, nil
}

// Create inserts a new row.
func (tier *GormDurableTier) Create(ctx context.Context, record *StoredTokenRecord) error {
	if err := tier.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("durable_store.create.%s: %w", tier.driverLabel, classifyWriteError(err))
	}
	return nil
}

// Save updates every column of an existing row.
func (tier *GormDurableTier) Save(ctx context.Context, record *StoredTokenRecord) error {
	if err := tier.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("durable_store.save.%s: %w", tier.driverLabel, classifyWriteError(err))
	}
	return nil
}

// DeleteByProviderAndSubject removes the row for one identity; a missing row is not an error.
func (tier *GormDurableTier) DeleteByProviderAndSubject(ctx context.Context, provider string, subjectID string) error {
	err := tier.db.WithContext(ctx).
		Where("provider = ? AND subject_id = ?", provider, subjectID).
		Delete(&StoredTokenRecord{}).Error
	if err != nil {
		return fmt.Errorf("durable_store.delete.%s: %w", tier.driverLabel, err)
	}
	return nil
}

// PurgeExpired deletes rows whose provider token expired before the cutoff.
func (tier *GormDurableTier) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result := tier.db.WithContext(ctx).
		Where("provider_expires_at < ?", cutoff.UTC()).
		Delete(&StoredTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("durable_store.purge.%s: %w", tier.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// Close releases the underlying connection pool.
func (tier *GormDurableTier) Close() error {
	sqlDB, err := tier.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func classifyWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Join(ErrConflict, err)
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key") {
		return errors.Join(ErrConflict, err)
	}
	return err
}

// schemeDrivers maps accepted URL schemes to the driver label they open.
var schemeDrivers = map[string]string{
	"postgres":   "postgres",
	"postgresql": "postgres",
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("durable_store.parse_url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return nil, "", fmt.Errorf("durable_store.dialect: %w", errUnsupportedNoScheme)
	}
	driver, known := schemeDrivers[scheme]
	if !known {
		return nil, "", fmt.Errorf("durable_store.dialect.%s: %w", scheme, ErrUnsupportedDialect)
	}
	if driver == "postgres" {
		return postgres.New(postgres.Config{DSN: databaseURL}), driver, nil
	}
	dsn, err := buildSQLiteDSN(parsed)
	if err != nil {
		return nil, "", fmt.Errorf("durable_store.sqlite: %w", err)
	}
	return sqliteDialector.Open(dsn), driver, nil
}

// buildSQLiteDSN turns sqlite:path, sqlite://relative/path and sqlite:///absolute/path
// into a file DSN, keeping any query as driver pragmas.
func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	location := parsed.Opaque
	if location == "" {
		location = parsed.Host + parsed.Path
	}
	if location == "" {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery == "" {
		return location, nil
	}
	return location + "?" + parsed.RawQuery, nil
}
