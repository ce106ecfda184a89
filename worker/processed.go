package worker

import (
	"fmt"
	"strings"
	"time"

	"crashmover/jobs"
	"crashmover/stackwalk"
)

// DefaultPIIKeys are the metadata keys removed before a processed crash is
// stored.
var DefaultPIIKeys = []string{"URL", "Email", "UserID"}

// ProcessedCrash is the result record written to storage and, in
// relational form, to the reports table.
type ProcessedCrash struct {
	CrashID        string `json:"uuid"`
	Signature      string `json:"signature"`
	ShortSignature string `json:"short_signature"`
	SignatureHash  string `json:"signature_hash"`
	Truncated      bool   `json:"truncated"`

	OSName         string `json:"os_name,omitempty"`
	OSVersion      string `json:"os_version,omitempty"`
	CPUName        string `json:"cpu_name,omitempty"`
	CPUInfo        string `json:"cpu_info,omitempty"`
	CPUCount       int    `json:"cpu_count,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Address        string `json:"address,omitempty"`
	CrashingThread *int   `json:"crashing_thread,omitempty"`

	Frames       []stackwalk.Frame  `json:"frames,omitempty"`
	Modules      []stackwalk.Module `json:"modules,omitempty"`
	FlashVersion string             `json:"flash_version,omitempty"`

	Product string `json:"product,omitempty"`
	Version string `json:"version,omitempty"`

	StartedAt      time.Time `json:"started_datetime"`
	CompletedAt    time.Time `json:"completed_datetime"`
	Success        bool      `json:"success"`
	ExitCode       int       `json:"exit_code"`
	ProcessorNotes []string  `json:"processor_notes,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Notes joins the processor notes for the job and report columns.
func (p *ProcessedCrash) Notes() string {
	return strings.Join(p.ProcessorNotes, "; ")
}

func (p *ProcessedCrash) addNote(format string, args ...any) {
	p.ProcessorNotes = append(p.ProcessorNotes, fmt.Sprintf(format, args...))
}

// Report returns the reports table row for p.
func (p *ProcessedCrash) Report() *jobs.Report {
	return &jobs.Report{
		CrashID:        p.CrashID,
		Signature:      p.Signature,
		ShortSignature: p.ShortSignature,
		SignatureHash:  p.SignatureHash,
		Truncated:      p.Truncated,
		OSName:         p.OSName,
		OSVersion:      p.OSVersion,
		CPUName:        p.CPUName,
		CPUInfo:        p.CPUInfo,
		Reason:         p.Reason,
		Address:        p.Address,
		CrashingThread: p.CrashingThread,
		ModuleCount:    len(p.Modules),
		FlashVersion:   p.FlashVersion,
		Product:        p.Product,
		Version:        p.Version,
		StartedAt:      p.StartedAt,
		CompletedAt:    p.CompletedAt,
		Success:        p.Success,
		ProcessorNotes: p.Notes(),
		Metadata:       p.Metadata,
	}
}

// Sanitize returns a copy of meta without the given keys. Keys match
// case-insensitively.
func Sanitize(meta map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(meta))
outer:
	for k, v := range meta {
		for _, drop := range keys {
			if strings.EqualFold(k, drop) {
				continue outer
			}
		}
		out[k] = v
	}
	return out
}

func stringField(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
