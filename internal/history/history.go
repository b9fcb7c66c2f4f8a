// Package history journals transfers relayed through the proxy.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("transfer not found")

type State string

const (
	StateAsked     State = "asked"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateUploading State = "uploading"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

type Transfer struct {
	ID         string `gorm:"primaryKey"`
	PeerID     string `gorm:"index"`
	Sender     string
	Files      int
	TotalBytes int64
	State      State `gorm:"index"`
	Detail     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Journal is the part of Store the relay writes to.
type Journal interface {
	Record(ctx context.Context, t *Transfer) error
	SetState(ctx context.Context, id string, state State, detail string) error
}

type Store struct {
	DB *gorm.DB
}

// Open opens (or creates) the journal at path. ":memory:" keeps it in RAM.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A :memory: database exists per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Record(ctx context.Context, t *Transfer) error {
	return s.DB.WithContext(ctx).Create(t).Error
}

func (s *Store) SetState(ctx context.Context, id string, state State, detail string) error {
	res := s.DB.WithContext(ctx).Model(&Transfer{}).Where("id = ?", id).
		Updates(map[string]any{"state": state, "detail": detail})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Transfer, error) {
	var t Transfer
	err := s.DB.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return t, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// Recent returns the newest transfers first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Transfer, error) {
	transfers := []Transfer{}
	err := s.DB.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&transfers).Error
	return transfers, err
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(context.Context, *Transfer) error { return nil }

func (Nop) SetState(context.Context, string, State, string) error { return nil }
