package jobs

import (
	"fmt"
	"time"
)

// Job is one crash waiting for, undergoing or done with processing. A job
// with StartedAt set and CompletedAt nil is in flight.
type Job struct {
	ID          uint       `gorm:"primaryKey"`
	CrashID     string     `gorm:"uniqueIndex;size:128;not null"`
	Priority    bool       `gorm:"index"`
	Owner       *uint      `gorm:"index"`
	QueuedAt    time.Time  `gorm:"index;not null"`
	StartedAt   *time.Time `gorm:"index"`
	CompletedAt *time.Time `gorm:"index"`
	Success     *bool
	Notes       string `gorm:"type:text"`
}

func (Job) TableName() string { return "jobs" }

// InFlight reports whether the job was started and has not completed.
func (j Job) InFlight() bool { return j.StartedAt != nil && j.CompletedAt == nil }

// Done reports whether a worker already recorded a result.
func (j Job) Done() bool { return j.CompletedAt != nil }

// Processor is a registered worker identity.
type Processor struct {
	ID         uint      `gorm:"primaryKey"`
	Name       string    `gorm:"uniqueIndex;size:255;not null"`
	StartedAt  time.Time `gorm:"not null"`
	LastSeenAt time.Time `gorm:"index;not null"`
}

func (Processor) TableName() string { return "processors" }

// PriorityMarker is a row of a processor's private priority table. Markers
// are dispatched in insertion order.
type PriorityMarker struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement"`
	CrashID   string    `gorm:"uniqueIndex;size:128;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// PriorityTable names the private priority table of a processor.
func PriorityTable(processorID uint) string {
	return fmt.Sprintf("priority_jobs_%d", processorID)
}

// Report is the relational copy of a processed crash, read by reporting.
type Report struct {
	ID             uint   `gorm:"primaryKey"`
	CrashID        string `gorm:"uniqueIndex;size:128;not null"`
	Signature      string `gorm:"index;size:255"`
	ShortSignature string `gorm:"size:255"`
	SignatureHash  string `gorm:"index;size:16"`
	Truncated      bool
	OSName         string `gorm:"size:100"`
	OSVersion      string `gorm:"size:100"`
	CPUName        string `gorm:"size:100"`
	CPUInfo        string `gorm:"size:255"`
	Reason         string `gorm:"size:255"`
	Address        string `gorm:"size:64"`
	CrashingThread *int
	ModuleCount    int
	FlashVersion   string `gorm:"size:32"`
	Product        string `gorm:"index;size:64"`
	Version        string `gorm:"size:64"`
	StartedAt      time.Time
	CompletedAt    time.Time `gorm:"index"`
	Success        bool      `gorm:"index"`
	ProcessorNotes string    `gorm:"type:text"`

	// Metadata is the submitted metadata with private fields removed.
	Metadata map[string]any `gorm:"serializer:json;type:text"`
}

func (Report) TableName() string { return "reports" }

// IntakeRecord remembers a spool entry that was submitted, so a pair whose
// deletion failed is not submitted twice.
type IntakeRecord struct {
	ID         uint   `gorm:"primaryKey"`
	CrashID    string `gorm:"index;size:128"`
	SourcePath string `gorm:"uniqueIndex:uniq_source_sha;size:1024"`
	SHA256     string `gorm:"uniqueIndex:uniq_source_sha;size:64"`
	SizeBytes  int64
	Decision   string    `gorm:"size:16"`
	IngestedAt time.Time `gorm:"index"`
	Deleted    bool      `gorm:"index"`
	DeletedAt  *time.Time
	LastError  string `gorm:"type:text"`
}

func (IntakeRecord) TableName() string { return "intake_records" }
