package memory

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Span is one sensitive match inside a text, half-open [Start, End).
type Span struct {
	Start   int
	End     int
	Pattern string
}

// PatternSpec is one detector rule as authored in patterns.yaml.
type PatternSpec struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// Detector finds sensitive spans so the capture layer can encrypt them
// before anything touches disk.
type Detector struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// defaultPatternSpecs covers the secrets a personal assistant is most
// likely to see pasted into chat.
var defaultPatternSpecs = []PatternSpec{
	{Name: "api_key", Regex: `(?i)(?:api[_-]?key|token|secret)["'\s:=]+[A-Za-z0-9_\-]{16,}`},
	{Name: "openai_key", Regex: `sk-[A-Za-z0-9_\-]{20,}`},
	{Name: "password", Regex: `(?i)(?:password|passwd|비밀번호)["'\s:=]+\S{6,}`},
	{Name: "rrn", Regex: `\b\d{6}-[1-4]\d{6}\b`},
	{Name: "card_number", Regex: `\b(?:\d[ -]?){15}\d\b`},
	{Name: "phone_kr", Regex: `\b01[016789]-?\d{3,4}-?\d{4}\b`},
}

// NewDetector compiles the given rules; with none it uses the defaults.
func NewDetector(specs []PatternSpec) (*Detector, error) {
	if len(specs) == 0 {
		specs = defaultPatternSpecs
	}
	d := &Detector{patterns: make([]compiledPattern, 0, len(specs))}
	for _, spec := range specs {
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", spec.Name, err)
		}
		d.patterns = append(d.patterns, compiledPattern{name: spec.Name, re: re})
	}
	return d, nil
}

// LoadDetector reads rules from a YAML file. A missing file selects the
// built-in defaults.
func LoadDetector(path string) (*Detector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDetector(nil)
		}
		return nil, fmt.Errorf("read patterns: %w", err)
	}
	var file struct {
		Patterns []PatternSpec `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse patterns: %w", err)
	}
	return NewDetector(file.Patterns)
}

// Detect returns every match, overlaps included, sorted descending by
// start offset so callers can substitute in place without shifting the
// offsets still to be visited.
func (d *Detector) Detect(text string) []Span {
	var spans []Span
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], Pattern: p.name})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start > spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	return spans
}
