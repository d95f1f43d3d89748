package models

import "time"

// LedgerBucket classifies a cost-ledger entry for budget aggregation
// (spec §3).
type LedgerBucket string

const (
	BucketPerJob  LedgerBucket = "per_job"
	BucketDaily   LedgerBucket = "daily"
	BucketMonthly LedgerBucket = "monthly"
)

// LedgerEntry is one append-only cost-ledger record (spec §3). Entries
// are totally ordered by (Timestamp, Sequence) per spec §5.
type LedgerEntry struct {
	Sequence  int64
	Timestamp time.Time
	JobID     string
	Amount    float64
	Provider  string
	Model     string
	Bucket    LedgerBucket
}
