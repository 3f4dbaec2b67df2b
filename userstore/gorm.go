package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wareops/credguard"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// User is the persisted row. Email and the lowercased username carry unique
// indexes.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"size:32;not null"`
	UsernameKey  string `gorm:"size:32;uniqueIndex;not null"`
	Email        string `gorm:"size:254;uniqueIndex;not null"`
	FullName     string `gorm:"size:128;default:''"`
	PasswordHash string `gorm:"not null"`
	Status       string `gorm:"size:32;index;not null"`
	Verified     bool   `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string {
	return "credguard_users"
}

// Gorm stores users in any database gorm supports.
type Gorm struct {
	db *gorm.DB
}

// DBConfig selects the driver ("postgres" or "sqlite") and its DSN.
type DBConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects, sizes the pool and migrates the users table.
func Open(cfg DBConfig) (*Gorm, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("userstore: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("userstore: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("userstore: pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	return NewGorm(db)
}

// NewGorm wraps an existing connection and migrates the users table.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("userstore: migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

// Close releases the connection pool.
func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *Gorm) GetByID(ctx context.Context, userID string) (credguard.UserRecord, error) {
	return g.first(ctx, "id = ?", userID)
}

func (g *Gorm) GetByIdentifier(ctx context.Context, identifier string) (credguard.UserRecord, error) {
	key := normalize(identifier)
	return g.first(ctx, "username_key = ? OR email = ?", key, key)
}

func (g *Gorm) GetByEmail(ctx context.Context, email string) (credguard.UserRecord, error) {
	return g.first(ctx, "email = ?", normalize(email))
}

func (g *Gorm) UsernameExists(ctx context.Context, username string) (bool, error) {
	return g.exists(ctx, "username_key = ?", normalize(username))
}

func (g *Gorm) EmailExists(ctx context.Context, email string) (bool, error) {
	return g.exists(ctx, "email = ?", normalize(email))
}

// CreateUser reports a taken username or email as a validation error. The
// unique indexes settle races between the pre-check and the insert.
func (g *Gorm) CreateUser(ctx context.Context, input credguard.NewUser) (credguard.UserRecord, error) {
	row := User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(input.Username),
		UsernameKey:  normalize(input.Username),
		Email:        normalize(input.Email),
		FullName:     strings.TrimSpace(input.FullName),
		PasswordHash: input.PasswordHash,
		Status:       string(input.Status),
		Verified:     input.Verified,
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("username_key = ?", row.UsernameKey).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errUsernameTaken()
		}
		if err := tx.Model(&User{}).Where("email = ?", row.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errEmailTaken()
		}
		return tx.Create(&row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if taken, _ := g.EmailExists(ctx, row.Email); taken {
			return credguard.UserRecord{}, errEmailTaken()
		}
		return credguard.UserRecord{}, errUsernameTaken()
	}
	if err != nil {
		return credguard.UserRecord{}, err
	}

	return row.record(), nil
}

func (g *Gorm) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return g.update(ctx, userID, "password_hash", passwordHash)
}

func (g *Gorm) UpdateStatus(ctx context.Context, userID string, status credguard.UserStatus) error {
	return g.update(ctx, userID, "status", string(status))
}

func (g *Gorm) first(ctx context.Context, query string, args ...any) (credguard.UserRecord, error) {
	var row User
	err := g.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credguard.UserRecord{}, credguard.ErrUserNotFound
	}
	if err != nil {
		return credguard.UserRecord{}, err
	}
	return row.record(), nil
}

func (g *Gorm) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int64
	if err := g.db.WithContext(ctx).Model(&User{}).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (g *Gorm) update(ctx context.Context, userID, column string, value any) error {
	res := g.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return credguard.ErrUserNotFound
	}
	return nil
}

func (u User) record() credguard.UserRecord {
	return credguard.UserRecord{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		FullName:     u.FullName,
		PasswordHash: u.PasswordHash,
		Status:       credguard.UserStatus(u.Status),
		Verified:     u.Verified,
		CreatedAt:    u.CreatedAt.UTC(),
	}
}

var _ credguard.UserStore = (*Gorm)(nil)
