// Package projectcache keeps a content-addressed history of the project
// master data fetched from the ERP. A payload is stored once per distinct
// content; seeing it again only records that it was checked.
package projectcache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidPayload is returned for payloads that are not a single JSON value.
var ErrInvalidPayload = errors.New("projectcache: invalid payload")

// Snapshot is one observed state of a project.
type Snapshot struct {
	ProjectID     string    `gorm:"primaryKey;size:255"`
	ContentHash   string    `gorm:"primaryKey;size:32"`
	Payload       []byte    `gorm:"type:bytes;not null"`
	FirstSeenAt   time.Time `gorm:"not null"`
	LastCheckedAt time.Time `gorm:"index;not null"`
}

// TableName pins the table name.
func (Snapshot) TableName() string { return "project_snapshots" }

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Numbers keep their literal form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the hex MD5 of a canonical payload.
func Hash(canonical []byte) string {
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache stores snapshots through gorm.
type Cache struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New returns a cache on db.
func New(db *gorm.DB, opts ...Option) *Cache {
	c := &Cache{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Migrate creates the snapshot table.
func (c *Cache) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&Snapshot{})
}

// Put records payload for projectID. A payload whose canonical form was
// already stored only advances LastCheckedAt. It returns the stored
// snapshot and whether it was new.
func (c *Cache) Put(ctx context.Context, projectID string, payload []byte) (*Snapshot, bool, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, false, err
	}
	hash := Hash(canonical)
	at := c.now().UTC()

	var (
		snap    Snapshot
		created bool
	)
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Snapshot{}).
			Where("project_id = ? AND content_hash = ?", projectID, hash).
			Count(&existing).Error; err != nil {
			return err
		}
		created = existing == 0

		row := Snapshot{
			ProjectID:     projectID,
			ContentHash:   hash,
			Payload:       canonical,
			FirstSeenAt:   at,
			LastCheckedAt: at,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "content_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_checked_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.First(&snap, "project_id = ? AND content_hash = ?", projectID, hash).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("projectcache: put %s: %w", projectID, err)
	}

	if created {
		c.logger.Info("project snapshot stored", "project_id", projectID, "hash", hash)
	} else {
		c.logger.Debug("project snapshot unchanged", "project_id", projectID, "hash", hash)
	}
	return &snap, created, nil
}

// Get returns the most recently checked snapshot of projectID, or nil.
func (c *Cache) Get(ctx context.Context, projectID string) (*Snapshot, error) {
	var snap Snapshot
	err := c.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("last_checked_at DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("projectcache: get %s: %w", projectID, err)
	}
	return &snap, nil
}

// History returns every snapshot of projectID, most recently checked first.
func (c *Cache) History(ctx context.Context, projectID string) ([]Snapshot, error) {
	var snaps []Snapshot
	err := c.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("last_checked_at DESC").
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("projectcache: history %s: %w", projectID, err)
	}
	return snaps, nil
}
