package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/iqlusioninc/iqkms/pkg/rpc"
)

var auditCSVHeader = []string{"ID", "RequestID", "UserID", "Method", "Address", "Digest", "ChainID", "Code", "CreatedAt"}

// AuditExporter writes the audit log as CSV, oldest entry first.
type AuditExporter struct {
	store *AuditLogStore
}

func NewAuditExporter(db *gorm.DB) *AuditExporter {
	return &AuditExporter{store: NewAuditLogStore(db)}
}

// ExportToCSV streams every entry matching filter to writer, one page at a
// time.
func (e *AuditExporter) ExportToCSV(writer io.Writer, filter AuditLogFilter) error {
	ctx := context.Background()
	csvWriter := csv.NewWriter(writer)

	if err := csvWriter.Write(auditCSVHeader); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	asc := rpc.SortTypeAscending
	options := &rpc.ListOptions{Limit: MaxLimit, Sort: &asc}
	for {
		entries, err := e.store.List(ctx, filter, options)
		if err != nil {
			return fmt.Errorf("failed to get audit log entries: %w", err)
		}

		for _, entry := range entries {
			if err := csvWriter.Write(auditCSVRow(entry)); err != nil {
				return fmt.Errorf("failed to write row to CSV: %w", err)
			}
		}
		if len(entries) < MaxLimit {
			break
		}
		options.Offset += MaxLimit
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

func auditCSVRow(entry AuditLogEntry) []string {
	chainID := ""
	if entry.ChainID != nil {
		chainID = *entry.ChainID
	}

	return []string{
		strconv.FormatUint(uint64(entry.ID), 10),
		entry.RequestID,
		entry.UserID,
		entry.Method,
		entry.Address,
		entry.Digest,
		chainID,
		entry.Code,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
