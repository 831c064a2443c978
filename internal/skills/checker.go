package skills

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Severity grades a checker finding. Only high findings block a load.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue is one checker finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// CheckResult is the checker verdict for one source unit.
type CheckResult struct {
	Passed bool    `json:"passed"`
	Issues []Issue `json:"issues"`
}

// SyntaxProber verifies a source unit compiles. The production prober
// is the interpreter shim's check op.
type SyntaxProber interface {
	ProbeSyntax(ctx context.Context, source string) (ok bool, line int, message string, err error)
}

// forbiddenPattern pairs a compiled regex with how the finding reads.
type forbiddenPattern struct {
	re   *regexp.Regexp
	what string
}

var forbiddenPatterns = []forbiddenPattern{
	{regexp.MustCompile(`os\.system`), "os.system call"},
	{regexp.MustCompile(`\bsubprocess\b`), "subprocess usage"},
	{regexp.MustCompile(`\beval\s*\(`), "eval call"},
	{regexp.MustCompile(`\bexec\s*\(`), "exec call"},
	{regexp.MustCompile(`__import__\s*\(`), "dynamic import"},
	{regexp.MustCompile(`shutil\.rmtree`), "recursive delete"},
	{regexp.MustCompile(`\bsocket\.`), "raw socket usage"},
	{regexp.MustCompile(`\bctypes\b`), "ctypes usage"},
	{regexp.MustCompile(`open\s*\(\s*["']/etc/`), "system file access"},
}

// allowedImports is the closed set of importable module roots. Dotted
// submodules of a listed root are allowed too.
var allowedImports = []string{
	"httpx", "json", "re", "datetime", "pathlib", "typing", "pydantic",
	"os", "math", "collections", "itertools", "functools", "hashlib",
	"base64", "urllib.parse", "html", "textwrap", "dataclasses",
	markerModule, contextModule,
}

var (
	importLine     = regexp.MustCompile(`^\s*import\s+(.+?)\s*$`)
	fromImportLine = regexp.MustCompile(`^\s*from\s+(\S+)\s+import\b`)
	defLine        = regexp.MustCompile(`^\s*(async\s+)?def\s+(\w+)\s*\(`)
	markerLine     = regexp.MustCompile(`^\s*@(?:` + markerModule + `\.)?tool\b`)
	asyncDefLine   = regexp.MustCompile(`^\s*async\s+def\s`)
)

// Checker runs the static safety passes over bundle source.
type Checker struct {
	prober SyntaxProber
}

// NewChecker creates a checker backed by the given syntax prober.
func NewChecker(prober SyntaxProber) *Checker {
	return &Checker{prober: prober}
}

// Check runs all passes. The syntax pass gates the rest: broken source
// gets a single high/syntax issue and nothing else. The error return is
// for probe infrastructure failures only, never for findings.
func (c *Checker) Check(ctx context.Context, name, source string) (CheckResult, error) {
	ok, line, message, err := c.prober.ProbeSyntax(ctx, source)
	if err != nil {
		return CheckResult{}, fmt.Errorf("syntax probe for %s: %w", name, err)
	}
	if !ok {
		return CheckResult{
			Passed: false,
			Issues: []Issue{{Severity: SeverityHigh, Category: "syntax", Message: message, Line: line}},
		}, nil
	}

	var issues []Issue
	issues = append(issues, checkForbidden(source)...)
	issues = append(issues, checkImports(source)...)
	issues = append(issues, checkTypeHints(source)...)
	issues = append(issues, checkMarker(source)...)
	issues = append(issues, checkAsync(source)...)

	passed := true
	for _, issue := range issues {
		if issue.Severity == SeverityHigh {
			passed = false
			break
		}
	}
	return CheckResult{Passed: passed, Issues: issues}, nil
}

func checkForbidden(source string) []Issue {
	var issues []Issue
	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, fp := range forbiddenPatterns {
			if fp.re.MatchString(line) {
				issues = append(issues, Issue{
					Severity: SeverityHigh,
					Category: "forbidden_pattern",
					Message:  fp.what,
					Line:     i + 1,
				})
			}
		}
	}
	return issues
}

// importAllowed reports whether module root X is the allow-list member
// itself or a dotted submodule of one.
func importAllowed(module string) bool {
	for _, allowed := range allowedImports {
		if module == allowed || strings.HasPrefix(module, allowed+".") {
			return true
		}
	}
	return false
}

func checkImports(source string) []Issue {
	var issues []Issue
	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}

		var modules []string
		if m := fromImportLine.FindStringSubmatch(line); m != nil {
			modules = []string{m[1]}
		} else if m := importLine.FindStringSubmatch(line); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				fields := strings.Fields(strings.TrimSpace(part))
				if len(fields) > 0 {
					modules = append(modules, fields[0])
				}
			}
		}

		for _, module := range modules {
			if !importAllowed(module) {
				issues = append(issues, Issue{
					Severity: SeverityHigh,
					Category: "import",
					Message:  fmt.Sprintf("import of %q is not allowed", module),
					Line:     i + 1,
				})
			}
		}
	}
	return issues
}

// checkTypeHints flags function definitions without a return
// annotation. Signatures may span lines; the scan joins until the
// parenthesis balance closes.
func checkTypeHints(source string) []Issue {
	var issues []Issue
	lines := strings.Split(source, "\n")
	for i := 0; i < len(lines); i++ {
		m := defLine.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		signature := lines[i]
		depth := strings.Count(lines[i], "(") - strings.Count(lines[i], ")")
		for j := i + 1; depth > 0 && j < len(lines); j++ {
			signature += lines[j]
			depth += strings.Count(lines[j], "(") - strings.Count(lines[j], ")")
		}
		if !strings.Contains(signature, "->") {
			issues = append(issues, Issue{
				Severity: SeverityMedium,
				Category: "type_hint",
				Message:  fmt.Sprintf("function %q has no return annotation", m[2]),
				Line:     i + 1,
			})
		}
	}
	return issues
}

func checkMarker(source string) []Issue {
	for _, line := range strings.Split(source, "\n") {
		if markerLine.MatchString(line) {
			return nil
		}
	}
	return []Issue{{
		Severity: SeverityMedium,
		Category: "decorator",
		Message:  "no function carries the @tool decorator",
	}}
}

func checkAsync(source string) []Issue {
	for _, line := range strings.Split(source, "\n") {
		if asyncDefLine.MatchString(line) {
			return nil
		}
	}
	return []Issue{{
		Severity: SeverityLow,
		Category: "async",
		Message:  "no async functions defined",
	}}
}

// FormatIssues renders findings for retry prompts and logs.
func FormatIssues(issues []Issue) string {
	var sb strings.Builder
	for i, issue := range issues {
		if i > 0 {
			sb.WriteString("; ")
		}
		if issue.Line > 0 {
			fmt.Fprintf(&sb, "[%s/%s] line %d: %s", issue.Severity, issue.Category, issue.Line, issue.Message)
		} else {
			fmt.Fprintf(&sb, "[%s/%s] %s", issue.Severity, issue.Category, issue.Message)
		}
	}
	return sb.String()
}
