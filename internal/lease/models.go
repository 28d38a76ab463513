package lease

import "time"

type jobLeaseRow struct {
	Job         string     `gorm:"column:job;primaryKey;size:64"`
	RunKey      string     `gorm:"column:run_key;primaryKey;size:64"`
	Owner       string     `gorm:"column:owner;size:128;not null"`
	Attempts    int        `gorm:"column:attempts;not null;default:1"`
	ClaimedAt   time.Time  `gorm:"column:claimed_at;not null"`
	ExpiresAt   time.Time  `gorm:"column:expires_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (jobLeaseRow) TableName() string { return "job_leases" }

// Models returns the tables owned by this package.
func Models() []any {
	return []any{&jobLeaseRow{}}
}
