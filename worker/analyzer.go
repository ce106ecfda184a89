package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"crashmover/stackwalk"
)

// Invocation is what the analyzer command line templates can refer to.
type Invocation struct {
	CrashID  string
	DumpPath string
	// SymbolPaths is SymbolPathList joined with spaces.
	SymbolPaths    string
	SymbolPathList []string
}

// Analysis is the outcome of one analyzer run.
type Analysis struct {
	Report   *stackwalk.Report
	ExitCode int
	Stderr   string
}

// Analyzer turns a dump into a parsed report.
type Analyzer interface {
	Analyze(ctx context.Context, inv Invocation) (*Analysis, error)
}

// symbolListArg expands to one argument per symbol path.
const symbolListArg = "{{.SymbolPathList}}"

const maxStderr = 8 << 10

// ExecAnalyzer runs an external analyzer and parses its standard output.
// A run is never interrupted by shutdown; only Timeout kills it.
type ExecAnalyzer struct {
	command string
	args    []*template.Template
	raw     []string
	parse   stackwalk.ParseOptions
	timeout time.Duration
}

func NewExecAnalyzer(command string, args []string, parse stackwalk.ParseOptions, timeout time.Duration) (*ExecAnalyzer, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("worker: analyzer command is required")
	}
	a := &ExecAnalyzer{command: command, raw: args, parse: parse, timeout: timeout}
	for i, arg := range args {
		t, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("worker: analyzer argument %d %q: %w", i, arg, err)
		}
		a.args = append(a.args, t)
	}
	return a, nil
}

// Argv renders the command line for inv.
func (a *ExecAnalyzer) Argv(inv Invocation) ([]string, error) {
	argv := []string{a.command}
	var buf bytes.Buffer
	for i, t := range a.args {
		if strings.TrimSpace(a.raw[i]) == symbolListArg {
			argv = append(argv, inv.SymbolPathList...)
			continue
		}
		buf.Reset()
		if err := t.Execute(&buf, inv); err != nil {
			return nil, fmt.Errorf("worker: render analyzer argument %d: %w", i, err)
		}
		argv = append(argv, buf.String())
	}
	return argv, nil
}

func (a *ExecAnalyzer) Analyze(_ context.Context, inv Invocation) (*Analysis, error) {
	argv, err := a.Argv(inv)
	if err != nil {
		return nil, err
	}
	runCtx := context.Background()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, a.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: analyzer stdout: %w", err)
	}
	stderr := &cappedBuffer{max: maxStderr}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start analyzer %s: %w", argv[0], err)
	}

	report, perr := stackwalk.Parse(stdout, a.parse)
	_, _ = io.Copy(io.Discard, stdout)
	werr := cmd.Wait()

	res := &Analysis{Report: report, Stderr: strings.TrimSpace(stderr.String())}
	if werr != nil {
		var exitErr *exec.ExitError
		if !errors.As(werr, &exitErr) {
			return nil, fmt.Errorf("worker: wait for analyzer: %w", werr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	if perr != nil {
		return nil, fmt.Errorf("worker: read analyzer output: %w", perr)
	}
	return res, nil
}

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
