package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts a Go duration string ("90s", "5m") or a plain integer
// number of seconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %q", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func durations(in []Duration) []time.Duration {
	if len(in) == 0 {
		return nil
	}
	out := make([]time.Duration, len(in))
	for i, d := range in {
		out[i] = d.D()
	}
	return out
}

// FileMode is an octal permission such as 0770 or "0o660".
type FileMode os.FileMode

func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: file mode must be a scalar", value.Line)
	}
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value.Value)), "0o")
	if s == "" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o777 {
		return fmt.Errorf("line %d: invalid file mode %q", value.Line, value.Value)
	}
	*m = FileMode(v)
	return nil
}

// InputFileConfig is one collector drop location.
type InputFileConfig struct {
	Glob     string `yaml:"glob"`
	ErrorDir string `yaml:"error_dir"`
}

// FilesConfig accepts either:
//  1. mapping form (preferred), glob to error directory:
//     files:
//     /srv/inbox/a/*.json: /srv/errors/a
//     /srv/inbox/b/**/*.json: {error_dir: /srv/errors/b}
//  2. list form:
//     files:
//     - glob: /srv/inbox/a/*.json
//     error_dir: /srv/errors/a
type FilesConfig struct {
	Items []InputFileConfig
}

func (f *FilesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]InputFileConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			glob := strings.TrimSpace(k.Value)
			if glob == "" {
				continue
			}
			item := InputFileConfig{Glob: glob}
			switch v.Kind {
			case yaml.ScalarNode:
				item.ErrorDir = strings.TrimSpace(v.Value)
			case yaml.MappingNode:
				var tmp struct {
					ErrorDir string `yaml:"error_dir"`
				}
				if err := v.Decode(&tmp); err != nil {
					return err
				}
				item.ErrorDir = strings.TrimSpace(tmp.ErrorDir)
			default:
				return fmt.Errorf("line %d: files entry %q must be a string or mapping", v.Line, glob)
			}
			items = append(items, item)
		}
		f.Items = items
		return nil
	case yaml.SequenceNode:
		var items []InputFileConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		out := items[:0]
		for _, it := range items {
			it.Glob = strings.TrimSpace(it.Glob)
			if it.Glob != "" {
				out = append(out, it)
			}
		}
		f.Items = out
		return nil
	case yaml.ScalarNode:
		if strings.TrimSpace(value.Value) == "" {
			return nil
		}
		f.Items = []InputFileConfig{{Glob: strings.TrimSpace(value.Value)}}
		return nil
	default:
		return fmt.Errorf("line %d: files must be a mapping or list", value.Line)
	}
}
