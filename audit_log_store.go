package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/iqlusioninc/iqkms/pkg/rpc"
)

// AuditLogEntry is the database model of one signing attempt.
//
// Request and chain ids are stored as decimal text: both are uint64 values
// that do not fit a signed SQL integer.
type AuditLogEntry struct {
	ID        uint           `gorm:"primaryKey"`
	RequestID string         `gorm:"column:request_id;type:varchar(20);not null"`
	UserID    string         `gorm:"column:user_id;type:varchar(255);not null;default:'';index"`
	Method    string         `gorm:"column:method;type:varchar(64);not null"`
	Address   string         `gorm:"column:address;type:varchar(42);not null;index"`
	Digest    string         `gorm:"column:digest;type:varchar(66);not null;default:''"`
	ChainID   *string        `gorm:"column:chain_id;type:varchar(20)"`
	Code      string         `gorm:"column:code;type:varchar(32);not null"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"column:created_at;index"`
}

func (AuditLogEntry) TableName() string {
	return "audit_log"
}

// AuditRecord is what the router knows about a finished signing attempt.
type AuditRecord struct {
	RequestID uint64
	UserID    string
	Method    string
	Address   string
	Digest    string
	ChainID   *uint64
	Code      string
	Metadata  map[string]any
}

// AuditLogFilter narrows List and Count. Empty fields match everything.
type AuditLogFilter struct {
	UserID  string
	Method  string
	Address string
}

// AuditLogStore persists signing attempts.
type AuditLogStore struct {
	db *gorm.DB
}

func NewAuditLogStore(db *gorm.DB) *AuditLogStore {
	return &AuditLogStore{db: db}
}

// Record stores one signing attempt.
func (s *AuditLogStore) Record(ctx context.Context, rec AuditRecord) error {
	entry := &AuditLogEntry{
		RequestID: strconv.FormatUint(rec.RequestID, 10),
		UserID:    rec.UserID,
		Method:    rec.Method,
		Address:   rec.Address,
		Digest:    rec.Digest,
		Code:      rec.Code,
	}
	if rec.ChainID != nil {
		chainID := strconv.FormatUint(*rec.ChainID, 10)
		entry.ChainID = &chainID
	}
	if len(rec.Metadata) > 0 {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}
		entry.Metadata = datatypes.JSON(metadata)
	}

	return s.db.WithContext(ctx).Create(entry).Error
}

// List returns matching entries, newest first unless options say otherwise.
func (s *AuditLogStore) List(ctx context.Context, filter AuditLogFilter, options *rpc.ListOptions) ([]AuditLogEntry, error) {
	query := applyListOptions(s.filtered(ctx, filter), "created_at", rpc.SortTypeDescending, options)

	var entries []AuditLogEntry
	err := query.Find(&entries).Error
	return entries, err
}

// Count returns the number of matching entries.
func (s *AuditLogStore) Count(ctx context.Context, filter AuditLogFilter) (int64, error) {
	var count int64
	err := s.filtered(ctx, filter).Count(&count).Error
	return count, err
}

func (s *AuditLogStore) filtered(ctx context.Context, filter AuditLogFilter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&AuditLogEntry{})

	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Method != "" {
		query = query.Where("method = ?", filter.Method)
	}
	if filter.Address != "" {
		query = query.Where("address = ?", filter.Address)
	}
	return query
}

// ToRPC converts the entry to its wire form. Unparseable ids become zero.
func (e AuditLogEntry) ToRPC() rpc.AuditLogEntry {
	requestID, _ := strconv.ParseUint(e.RequestID, 10, 64)

	var chainID *uint64
	if e.ChainID != nil {
		if id, err := strconv.ParseUint(*e.ChainID, 10, 64); err == nil {
			chainID = &id
		}
	}

	return rpc.AuditLogEntry{
		ID:        e.ID,
		RequestID: requestID,
		UserID:    e.UserID,
		Method:    e.Method,
		Address:   e.Address,
		Digest:    e.Digest,
		ChainID:   chainID,
		Code:      e.Code,
		CreatedAt: e.CreatedAt,
	}
}
