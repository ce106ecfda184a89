// Package stackwalk reads the line protocol printed by the minidump
// analyzer and derives crash signatures from it.
//
// The analyzer prints a header block, a blank line, then one
// thread|frame|module|function|file|line|offset record per stack frame.
package stackwalk

// Module is one loaded module from a Module header line.
type Module struct {
	Filename  string `json:"filename"`
	Version   string `json:"version,omitempty"`
	DebugFile string `json:"debug_file,omitempty"`
	DebugID   string `json:"debug_id,omitempty"`
	Base      string `json:"base_addr,omitempty"`
	End       string `json:"end_addr,omitempty"`
	Main      bool   `json:"main,omitempty"`
}

type Frame struct {
	Thread    int    `json:"thread"`
	Number    int    `json:"frame"`
	Module    string `json:"module,omitempty"`
	Function  string `json:"function,omitempty"`
	File      string `json:"file,omitempty"`
	Line      string `json:"line,omitempty"`
	Offset    string `json:"offset,omitempty"`
	Signature string `json:"signature"`
}

// Report is the parsed analyzer output.
type Report struct {
	OSName         string   `json:"os_name,omitempty"`
	OSVersion      string   `json:"os_version,omitempty"`
	CPUName        string   `json:"cpu_name,omitempty"`
	CPUInfo        string   `json:"cpu_info,omitempty"`
	CPUCount       int      `json:"cpu_count,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Address        string   `json:"address,omitempty"`
	CrashingThread *int     `json:"crashing_thread,omitempty"`
	Modules        []Module `json:"modules,omitempty"`

	// Frames holds the retained frames of the crashing thread.
	Frames     []Frame `json:"frames,omitempty"`
	FramesSeen int     `json:"frames_seen"`
	Truncated  bool    `json:"truncated"`

	// Managed is set when the analyzer flagged a managed runtime stack
	// that it could not walk itself.
	Managed bool `json:"managed,omitempty"`

	HeaderSeen bool     `json:"-"`
	Lines      int      `json:"-"`
	Warnings   []string `json:"warnings,omitempty"`
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
