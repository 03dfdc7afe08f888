package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
	"gorm.io/gorm"
)

// DedupOutcome is the content store's verdict for one sighting.
type DedupOutcome string

const (
	DedupOutcomeNew        DedupOutcome = "NEW"
	DedupOutcomeDuplicate  DedupOutcome = "DUPLICATE"
	DedupOutcomeIneligible DedupOutcome = "INELIGIBLE"
)

// CanonicalLoadContent is the global (tenant-agnostic) dedup table, keyed by
// fingerprint. The stored payload is immutable after first sighting; later
// sightings only bump receipt_count and last_seen_at.
type CanonicalLoadContent struct {
	Fingerprint        string    `gorm:"primary_key;size:72" json:"fingerprint"`
	FingerprintVersion int       `gorm:"not null" json:"fingerprint_version"`
	Payload            []byte    `gorm:"type:mediumblob" json:"payload"`
	PayloadSize        int       `gorm:"not null" json:"payload_size"`
	ReceiptCount       int       `gorm:"not null;default:1" json:"receipt_count"`
	FirstSeenAt        time.Time `gorm:"not null;index" json:"first_seen_at"`
	LastSeenAt         time.Time `gorm:"not null;index" json:"last_seen_at"`
}

// CheckAndRecordContent is the atomic insert-or-increment at the heart of dedup.
//
// Concurrent first sightings of the same fingerprint from two workers resolve to
// exactly one row: the loser's INSERT hits the unique key and becomes an
// increment. Dedup prevents duplicate canonical content rows, not duplicate match
// evaluation — callers keep matching a DUPLICATE load per tenant.
func CheckAndRecordContent(ctx context.Context, load *ParsedLoad) (DedupOutcome, *CanonicalLoadContent, error) {
	if !load.DedupEligible() {
		return DedupOutcomeIneligible, nil, nil
	}
	fingerprint := load.Fingerprint()

	payload, err := json.Marshal(load)
	if err != nil {
		return DedupOutcomeIneligible, nil, err
	}

	db := config.GetDB()
	now := time.Now().UTC()
	row := CanonicalLoadContent{
		Fingerprint:        fingerprint,
		FingerprintVersion: FingerprintVersion,
		Payload:            payload,
		PayloadSize:        len(payload),
		ReceiptCount:       1,
		FirstSeenAt:        now,
		LastSeenAt:         now,
	}

	if err := db.WithContext(ctx).Create(&row).Error; err == nil {
		return DedupOutcomeNew, &row, nil
	} else if !utils.IsDuplicateKeyErr(err) {
		return DedupOutcomeIneligible, nil, err
	}

	// Seen before (or lost the first-sighting race): increment, never touch payload.
	if err := db.WithContext(ctx).Model(&CanonicalLoadContent{}).
		Where("fingerprint = ?", fingerprint).
		Updates(map[string]interface{}{
			"receipt_count": gorm.Expr("receipt_count + 1"),
			"last_seen_at":  now,
		}).Error; err != nil {
		return DedupOutcomeIneligible, nil, err
	}

	var existing CanonicalLoadContent
	if err := db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		First(&existing).Error; err != nil {
		return DedupOutcomeIneligible, nil, err
	}
	return DedupOutcomeDuplicate, &existing, nil
}

// ReceiptCountDistribution buckets receipt counts for the administrative surface
// (dedup collision rates).
func ReceiptCountDistribution(ctx context.Context) (map[int]int64, error) {
	db := config.GetDB()
	type row struct {
		ReceiptCount int
		N            int64
	}
	var rows []row
	err := db.WithContext(ctx).Model(&CanonicalLoadContent{}).
		Select("receipt_count, COUNT(*) AS n").
		Group("receipt_count").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int]int64, len(rows))
	for _, r := range rows {
		out[r.ReceiptCount] = r.N
	}
	return out, nil
}
