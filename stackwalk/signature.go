package stackwalk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultSignatureMaxLength      = 255
	DefaultShortSignatureMaxLength = 80

	ManagedSentinel  = "EMPTY: managed stack not in expected format"
	NoThreadSentinel = "EMPTY: no crashing thread identified"
	NoFramesSentinel = "EMPTY: no frame data available"

	signatureSeparator = " | "
	truncationEllipsis = "..."
)

var (
	spaceBeforePointer = regexp.MustCompile(`\s+([*&])`)
	spaceAroundComma   = regexp.MustCompile(`\s*,\s*`)
	templateArgs       = regexp.MustCompile(`<[^<>]*>`)
)

// SignatureOptions controls how a crash signature is built from frames.
type SignatureOptions struct {
	// Irrelevant frames are skipped when looking for the signature frame.
	Irrelevant []string
	// Prefix frames are kept and joined with the frame that follows them.
	Prefix []string

	MaxLength      int
	ShortMaxLength int
}

// Signer derives crash signatures. It is safe for concurrent use.
type Signer struct {
	irrelevant []*regexp.Regexp
	prefix     []*regexp.Regexp
	maxLen     int
	shortLen   int
}

func NewSigner(opts SignatureOptions) (*Signer, error) {
	s := &Signer{maxLen: opts.MaxLength, shortLen: opts.ShortMaxLength}
	if s.maxLen <= 0 {
		s.maxLen = DefaultSignatureMaxLength
	}
	if s.shortLen <= 0 {
		s.shortLen = DefaultShortSignatureMaxLength
	}
	var err error
	if s.irrelevant, err = compileAll(opts.Irrelevant); err != nil {
		return nil, fmt.Errorf("stackwalk: irrelevant signature list: %w", err)
	}
	if s.prefix, err = compileAll(opts.Prefix); err != nil {
		return nil, fmt.Errorf("stackwalk: prefix signature list: %w", err)
	}
	return s, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// FrameSignature names one frame: the normalized function, else file#line,
// else module@offset, else @offset.
func FrameSignature(f Frame) string {
	switch {
	case f.Function != "":
		return NormalizeFunction(f.Function)
	case f.File != "" && f.Line != "":
		return f.File + "#" + f.Line
	case f.Module != "":
		return f.Module + "@" + f.Offset
	}
	return "@" + f.Offset
}

// NormalizeFunction drops the trailing argument list of a C++ function name
// and evens out the spacing around pointer, reference and comma tokens.
func NormalizeFunction(fn string) string {
	fn = strings.TrimSpace(fn)
	fn = strings.TrimSuffix(fn, " const")
	if strings.HasSuffix(fn, ")") {
		depth := 0
		for i := len(fn) - 1; i >= 0; i-- {
			switch fn[i] {
			case ')':
				depth++
			case '(':
				depth--
			}
			if depth == 0 {
				if i > 0 {
					fn = fn[:i]
				}
				break
			}
		}
	}
	fn = strings.Join(strings.Fields(fn), " ")
	fn = spaceBeforePointer.ReplaceAllString(fn, "$1")
	fn = spaceAroundComma.ReplaceAllString(fn, ", ")
	return strings.TrimSpace(fn)
}

// Signature derives the crash signature of a parsed report. notes is the
// free-form text searched for a managed stack when the report flags one.
func (s *Signer) Signature(r *Report, notes string) string {
	if r.Managed {
		return s.truncate(ManagedSignature(notes), s.maxLen)
	}
	if r.CrashingThread == nil {
		return NoThreadSentinel
	}
	var parts []string
	for _, f := range r.Frames {
		sig := f.Signature
		if sig == "" {
			sig = FrameSignature(f)
		}
		if matchAny(s.irrelevant, sig) {
			continue
		}
		parts = append(parts, sig)
		if !matchAny(s.prefix, sig) {
			break
		}
	}
	if len(parts) == 0 {
		if len(r.Frames) > 0 {
			// every frame was irrelevant
			return s.truncate(r.Frames[0].Signature, s.maxLen)
		}
		return NoFramesSentinel
	}
	return s.truncate(strings.Join(parts, signatureSeparator), s.maxLen)
}

// ShortSignature strips template arguments and truncates.
func (s *Signer) ShortSignature(sig string) string {
	for {
		next := templateArgs.ReplaceAllString(sig, "")
		if next == sig {
			break
		}
		sig = next
	}
	return s.truncate(sig, s.shortLen)
}

func (s *Signer) truncate(sig string, n int) string {
	if len(sig) <= n {
		return sig
	}
	cut := n - len(truncationEllipsis)
	if cut < 0 {
		cut = 0
	}
	// never split a multibyte rune
	for cut > 0 && !utf8.RuneStart(sig[cut]) {
		cut--
	}
	return sig[:cut] + truncationEllipsis
}

// ManagedSignature finds the bracketed stack block in notes and names the
// crash by the text leading up to it and the first frame inside it:
//
//	java.lang.NullPointerException: [ at a.B.c(B.java:1) ; at d.E.f() ]
//
// yields "java.lang.NullPointerException at a.B.c". Anything else yields
// ManagedSentinel.
func ManagedSignature(notes string) string {
	open := strings.Index(notes, "[")
	if open < 0 {
		return ManagedSentinel
	}
	end := strings.Index(notes[open:], "]")
	if end < 0 {
		return ManagedSentinel
	}
	block := notes[open+1 : open+end]
	var top string
	for _, entry := range strings.FieldsFunc(block, func(r rune) bool { return r == '\n' || r == ';' || r == '|' }) {
		entry = strings.TrimSpace(entry)
		entry = strings.TrimSpace(strings.TrimPrefix(entry, "at "))
		if entry != "" {
			top = NormalizeFunction(entry)
			break
		}
	}
	if top == "" {
		return ManagedSentinel
	}
	lead := notes[:open]
	if i := strings.LastIndex(lead, "\n"); i >= 0 {
		lead = lead[i+1:]
	}
	lead = strings.TrimSuffix(strings.TrimSpace(lead), ":")
	if lead == "" {
		return top
	}
	return lead + " at " + top
}

// SignatureHash is a short stable key for grouping crashes by signature.
func SignatureHash(sig string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(sig), " ")))
	return hex.EncodeToString(sum[:])[:16]
}
