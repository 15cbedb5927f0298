package tokenkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("token_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("token_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_store.unsupported_no_scheme")
)

// DatabaseTokenStore persists QuickBooks token records using GORM. The
// supersession on Store runs inside one transaction so concurrent writers
// never observe two active records for a realm.
type DatabaseTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseTokenStore) Driver() string {
	return store.driverLabel
}

type qboTokenRow struct {
	UserID        string `gorm:"column:user_id;primaryKey"`
	RealmID       string `gorm:"column:realm_id;uniqueIndex;not null"`
	AccessToken   string `gorm:"column:access_token;not null"`
	RefreshToken  string `gorm:"column:refresh_token;not null;default:''"`
	TokenType     string `gorm:"column:token_type;not null;default:'Bearer'"`
	IssuedAtUnix  int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresAtUnix int64  `gorm:"column:expires_at_unix;not null"`
}

func (qboTokenRow) TableName() string {
	return "qbo_tokens"
}

// NewDatabaseTokenStore constructs a GORM-backed store for a postgres:// or
// sqlite:// database URL.
func NewDatabaseTokenStore(ctx context.Context, databaseURL string) (*DatabaseTokenStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&qboTokenRow{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseTokenStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Store atomically supersedes any record for the same user or realm and
// inserts the new one.
func (store *DatabaseTokenStore) Store(ctx context.Context, record TokenRecord) error {
	if err := validateRecord(record); err != nil {
		return fmt.Errorf("token_store.store.%s: %w", store.driverLabel, err)
	}
	row := qboTokenRow{
		UserID:        record.UserID,
		RealmID:       record.RealmID,
		AccessToken:   record.AccessToken,
		RefreshToken:  record.RefreshToken,
		TokenType:     record.TokenType,
		IssuedAtUnix:  record.IssuedAtUnix,
		ExpiresAtUnix: record.ExpiresAtUnix,
	}
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.
			Where("user_id = ? OR realm_id = ?", record.UserID, record.RealmID).
			Delete(&qboTokenRow{}).Error; err != nil {
			return err
		}
		return transaction.Create(&row).Error
	})
	if transactionErr != nil {
		return fmt.Errorf("token_store.store.%s: %w", store.driverLabel, transactionErr)
	}
	return nil
}

// Get returns the user's active record.
func (store *DatabaseTokenStore) Get(ctx context.Context, userID string) (*TokenRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	var row qboTokenRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, ErrTokenRecordNotFound)
		}
		return nil, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, err)
	}
	return rowToRecord(row), nil
}

// Update merges rotated fields into the existing record in one transaction.
func (store *DatabaseTokenStore) Update(ctx context.Context, userID string, update TokenUpdate) (*TokenRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("token_store.update.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	var updated qboTokenRow
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var row qboTokenRow
		if err := transaction.Where("user_id = ?", userID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenRecordNotFound
			}
			return err
		}
		record := rowToRecord(row)
		applyUpdate(record, update)
		updated = qboTokenRow{
			UserID:        record.UserID,
			RealmID:       record.RealmID,
			AccessToken:   record.AccessToken,
			RefreshToken:  record.RefreshToken,
			TokenType:     record.TokenType,
			IssuedAtUnix:  record.IssuedAtUnix,
			ExpiresAtUnix: record.ExpiresAtUnix,
		}
		return transaction.Model(&qboTokenRow{}).Where("user_id = ?", userID).Updates(map[string]any{
			"access_token":    updated.AccessToken,
			"refresh_token":   updated.RefreshToken,
			"token_type":      updated.TokenType,
			"issued_at_unix":  updated.IssuedAtUnix,
			"expires_at_unix": updated.ExpiresAtUnix,
		}).Error
	})
	if transactionErr != nil {
		return nil, fmt.Errorf("token_store.update.%s: %w", store.driverLabel, transactionErr)
	}
	return rowToRecord(updated), nil
}

// Delete hard-removes the user's records. Idempotent.
func (store *DatabaseTokenStore) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("token_store.delete.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&qboTokenRow{}).Error; err != nil {
		return fmt.Errorf("token_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func rowToRecord(row qboTokenRow) *TokenRecord {
	return &TokenRecord{
		UserID:        row.UserID,
		RealmID:       row.RealmID,
		AccessToken:   row.AccessToken,
		RefreshToken:  row.RefreshToken,
		TokenType:     row.TokenType,
		IssuedAtUnix:  row.IssuedAtUnix,
		ExpiresAtUnix: row.ExpiresAtUnix,
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
