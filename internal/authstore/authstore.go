// Package authstore is the operator-account store (spec.md §4.9): a
// single gorm-backed table of operator credentials, with the same
// bcrypt hashing and failed-attempt lockout the teacher's
// handlers/auth.go applies to models.Admin, generalized into a
// reusable store instead of being inlined in the HTTP handler.
package authstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	maxFailedAttempts = 5
	lockoutDuration   = 5 * time.Minute
)

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong
	// passwords, deliberately indistinguishable to callers.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an account is serving out a
	// lockout from repeated failed logins.
	ErrAccountLocked = errors.New("account is locked")
)

// Operator is one authenticatable account.
type Operator struct {
	ID                 uint       `gorm:"primaryKey"`
	Username            string     `gorm:"unique;not null"`
	PasswordHash        string     `gorm:"not null"`
	CreatedAt           time.Time
	FailedAttempts      int        `gorm:"default:0"`
	LastFailedAttemptAt *time.Time
	LockedUntil         *time.Time
}

// Store wraps a gorm.DB scoped to the Operator table.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) a sqlite-backed operator store at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open operator store: %w", err)
	}
	if err := db.AutoMigrate(&Operator{}); err != nil {
		return nil, fmt.Errorf("migrate operator store: %w", err)
	}
	return &Store{db: db}, nil
}

// EnsureDefaultOperator creates username/password as the sole operator
// account if the table is currently empty, mirroring the teacher's
// "first run creates admin/admin123!" bootstrap.
func (s *Store) EnsureDefaultOperator(username, password string) error {
	var count int64
	if err := s.db.Model(&Operator{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.db.Create(&Operator{Username: username, PasswordHash: string(hash)}).Error
}

// Authenticate validates username/password, applying the lockout and
// failed-attempt bookkeeping from spec.md §4.9. A successful login
// resets the failure counter.
func (s *Store) Authenticate(username, password string) error {
	var op Operator
	if err := s.db.Where("username = ?", username).First(&op).Error; err != nil {
		return ErrInvalidCredentials
	}

	if op.LockedUntil != nil && time.Now().Before(*op.LockedUntil) {
		return ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		op.FailedAttempts++
		now := time.Now()
		op.LastFailedAttemptAt = &now
		if op.FailedAttempts >= maxFailedAttempts {
			lockUntil := now.Add(lockoutDuration)
			op.LockedUntil = &lockUntil
		}
		s.db.Save(&op)
		if op.FailedAttempts >= maxFailedAttempts {
			return ErrAccountLocked
		}
		return ErrInvalidCredentials
	}

	op.FailedAttempts = 0
	op.LockedUntil = nil
	s.db.Save(&op)
	return nil
}

// SetPassword replaces username's password hash outright, used both
// for self-service change-password and operator provisioning.
func (s *Store) SetPassword(username, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	var op Operator
	if err := s.db.Where("username = ?", username).First(&op).Error; err != nil {
		return ErrInvalidCredentials
	}
	op.PasswordHash = string(hash)
	op.FailedAttempts = 0
	op.LockedUntil = nil
	return s.db.Save(&op).Error
}
