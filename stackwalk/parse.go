package stackwalk

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	DefaultHeadFrames = 10
	DefaultTailFrames = 10
)

// FrameLimits bounds the frames kept for the crashing thread. The first Head
// frames are always kept. Once more than Threshold frames have been seen,
// only the last Tail frames after the head survive.
type FrameLimits struct {
	Head      int
	Tail      int
	Threshold int
}

func (l FrameLimits) withDefaults() FrameLimits {
	if l.Head <= 0 {
		l.Head = DefaultHeadFrames
	}
	if l.Tail <= 0 {
		l.Tail = DefaultTailFrames
	}
	if l.Threshold < l.Head {
		l.Threshold = l.Head
	}
	return l
}

// ParseOptions controls Parse.
type ParseOptions struct {
	Limits FrameLimits
	// ManagedMarker is the first field of the header line that flags a
	// managed stack. Defaults to "Managed".
	ManagedMarker string
	// ManagedReasonPrefixes flag a managed stack by crash reason.
	ManagedReasonPrefixes []string
}

// frameCache keeps a fixed head of frames and a sliding tail.
type frameCache struct {
	limits FrameLimits
	head   []Frame
	rest   []Frame
	seen   int
	// dropped is set once a frame has been discarded.
	dropped bool
}

func (c *frameCache) add(f Frame) {
	c.seen++
	if len(c.head) < c.limits.Head {
		c.head = append(c.head, f)
		return
	}
	c.rest = append(c.rest, f)
	if c.seen > c.limits.Threshold && len(c.rest) > c.limits.Tail {
		n := len(c.rest) - c.limits.Tail
		c.rest = append(c.rest[:0], c.rest[n:]...)
		c.dropped = true
	}
}

func (c *frameCache) frames() []Frame {
	out := make([]Frame, 0, len(c.head)+len(c.rest))
	out = append(out, c.head...)
	return append(out, c.rest...)
}

// Parse reads analyzer output until EOF. Protocol problems become warnings
// on the report; the error is reserved for failures reading r.
func Parse(r io.Reader, opts ParseOptions) (*Report, error) {
	if opts.ManagedMarker == "" {
		opts.ManagedMarker = "Managed"
	}
	p := &parser{
		opts:   opts,
		report: &Report{},
		cache:  &frameCache{limits: opts.Limits.withDefaults()},
		last:   -1,
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	inHeader := true
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		p.report.Lines++
		if inHeader {
			if line == "" {
				inHeader = false
				continue
			}
			if looksLikeFrame(line) {
				// no header, or header without its blank line
				inHeader = false
			} else {
				p.header(line)
				continue
			}
		}
		p.frame(line)
	}
	if err := sc.Err(); err != nil {
		return p.finish(), fmt.Errorf("stackwalk: read analyzer output: %w", err)
	}
	return p.finish(), nil
}

type parser struct {
	opts   ParseOptions
	report *Report
	cache  *frameCache
	last   int // last thread number seen
	done   bool
}

func (p *parser) header(line string) {
	r := p.report
	f := strings.Split(line, "|")
	switch f[0] {
	case "OS":
		if len(f) < 3 {
			r.warn(fmt.Sprintf("malformed OS line: %q", line))
			return
		}
		r.OSName, r.OSVersion = f[1], f[2]
	case "CPU":
		if len(f) < 3 {
			r.warn(fmt.Sprintf("malformed CPU line: %q", line))
			return
		}
		r.CPUName, r.CPUInfo = f[1], f[2]
		if len(f) > 3 && f[3] != "" {
			n, err := strconv.Atoi(f[3])
			if err != nil {
				r.warn(fmt.Sprintf("malformed CPU core count: %q", f[3]))
			} else {
				r.CPUCount = n
			}
		}
	case "Crash":
		if len(f) < 4 {
			r.warn(fmt.Sprintf("malformed Crash line: %q", line))
			return
		}
		r.Reason, r.Address = f[1], f[2]
		if f[3] != "" {
			n, err := strconv.Atoi(f[3])
			if err != nil {
				r.warn(fmt.Sprintf("malformed crashing thread: %q", f[3]))
			} else {
				r.CrashingThread = &n
			}
		}
	case "Module":
		if len(f) < 2 || f[1] == "" {
			r.warn(fmt.Sprintf("malformed Module line: %q", line))
			return
		}
		m := Module{Filename: f[1]}
		fields := []*string{&m.Version, &m.DebugFile, &m.DebugID, &m.Base, &m.End}
		for i, dst := range fields {
			if len(f) > i+2 {
				*dst = f[i+2]
			}
		}
		if len(f) > 7 {
			m.Main = f[7] == "1"
		}
		r.Modules = append(r.Modules, m)
	default:
		if f[0] == p.opts.ManagedMarker {
			r.Managed = true
			return
		}
		r.warn(fmt.Sprintf("unrecognized header line: %q", line))
		return
	}
	r.HeaderSeen = true
}

func looksLikeFrame(line string) bool {
	first, _, ok := strings.Cut(line, "|")
	if !ok {
		return false
	}
	_, err := strconv.Atoi(first)
	return err == nil
}

func (p *parser) frame(line string) {
	r := p.report
	if line == "" {
		r.warn(fmt.Sprintf("blank line %d in frame data", r.Lines))
		return
	}
	f := strings.Split(line, "|")
	if len(f) < 7 {
		r.warn(fmt.Sprintf("malformed frame line: %q", line))
		return
	}
	thread, err1 := strconv.Atoi(f[0])
	number, err2 := strconv.Atoi(f[1])
	if err1 != nil || err2 != nil {
		r.warn(fmt.Sprintf("malformed frame line: %q", line))
		return
	}
	if thread < p.last {
		// thread numbers only grow; anything after a regression is noise
		if !p.done {
			r.warn(fmt.Sprintf("thread number went from %d to %d", p.last, thread))
		}
		p.done = true
	}
	p.last = max(p.last, thread)
	if p.done || r.CrashingThread == nil || thread != *r.CrashingThread {
		if r.CrashingThread != nil && thread > *r.CrashingThread && p.cache.seen > 0 {
			p.done = true
		}
		return
	}
	fr := Frame{
		Thread:   thread,
		Number:   number,
		Module:   f[2],
		Function: f[3],
		File:     f[4],
		Line:     f[5],
		Offset:   f[6],
	}
	fr.Signature = FrameSignature(fr)
	p.cache.add(fr)
}

func (p *parser) finish() *Report {
	r := p.report
	if !r.HeaderSeen {
		r.warn("no header lines in analyzer output")
	}
	if r.CrashingThread == nil {
		r.warn("no crashing thread identified")
	}
	for _, prefix := range p.opts.ManagedReasonPrefixes {
		if prefix != "" && strings.HasPrefix(r.Reason, prefix) {
			r.Managed = true
		}
	}
	r.Frames = p.cache.frames()
	r.FramesSeen = p.cache.seen
	if p.cache.dropped {
		r.Truncated = true
		r.warn(fmt.Sprintf("crashing thread had %d frames, kept %d", p.cache.seen, len(r.Frames)))
	}
	return r
}
