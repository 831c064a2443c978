package skills

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(defaultPython); err != nil {
		t.Skip("python3 not available")
	}
}

const integrationBundle = `from jedisos_skills import tool

@tool
def add(a: int, b: int = 2) -> int:
    """Add two integers."""
    return a + b

@tool(description="Echo with flag")
async def shout(text: str, loud: bool = False) -> dict:
    return {"ok": True, "text": text.upper() if loud else text}
`

func newIntegrationRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	requirePython(t)
	runner := NewRunner(nil)
	t.Cleanup(func() { runner.Close() })
	root := t.TempDir()
	dir := writeTestBundle(t, root, "calc", integrationBundle, false)
	return runner, dir
}

func TestRunnerProbeSyntax(t *testing.T) {
	requirePython(t)
	runner := NewRunner(nil)
	defer runner.Close()

	ok, _, _, err := runner.ProbeSyntax(context.Background(), "x = 1\n")
	if err != nil {
		t.Fatalf("ProbeSyntax: %v", err)
	}
	if !ok {
		t.Error("valid source reported as broken")
	}

	ok, line, msg, err := runner.ProbeSyntax(context.Background(), "def broken(:\n    pass\n")
	if err != nil {
		t.Fatalf("ProbeSyntax: %v", err)
	}
	if ok {
		t.Fatal("broken source reported as valid")
	}
	if line != 1 {
		t.Errorf("line = %d, want 1", line)
	}
	if msg == "" {
		t.Error("empty syntax message")
	}
}

func TestRunnerInspect(t *testing.T) {
	runner, dir := newIntegrationRunner(t)

	tools, err := runner.Inspect(context.Background(), dir)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}

	// Namespace iteration is sorted, so add comes first.
	add := tools[0]
	if add.Name != "add" || add.Description != "Add two integers." {
		t.Errorf("add = %+v", add)
	}
	if len(add.Params) != 2 {
		t.Fatalf("add params = %+v", add.Params)
	}
	if add.Params[0].Name != "a" || add.Params[0].Type != "integer" || !add.Params[0].Required {
		t.Errorf("param a = %+v", add.Params[0])
	}
	if add.Params[1].Name != "b" || add.Params[1].Required {
		t.Errorf("param b = %+v", add.Params[1])
	}

	shout := tools[1]
	if shout.Description != "Echo with flag" {
		t.Errorf("decorator metadata lost: %+v", shout)
	}
	if shout.Params[1].Type != "boolean" {
		t.Errorf("loud type = %q", shout.Params[1].Type)
	}
}

func TestRunnerInvokeSyncAndAsync(t *testing.T) {
	runner, dir := newIntegrationRunner(t)

	sum, err := runner.Invoke(context.Background(), dir, "add", map[string]any{"a": 40})
	if err != nil {
		t.Fatalf("Invoke add: %v", err)
	}
	if n, ok := sum.(float64); !ok || n != 42 {
		t.Errorf("add = %v (%T), want 42", sum, sum)
	}

	res, err := runner.Invoke(context.Background(), dir, "shout", map[string]any{"text": "hi", "loud": true})
	if err != nil {
		t.Fatalf("Invoke shout: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok || m["text"] != "HI" {
		t.Errorf("shout = %v", res)
	}
}

func TestRunnerInvokeUnknownFunction(t *testing.T) {
	runner, dir := newIntegrationRunner(t)

	_, err := runner.Invoke(context.Background(), dir, "missing", nil)
	if err == nil {
		t.Fatal("expected unknown function error")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("err = %v", err)
	}
}

func TestRunnerInvokeExceptionBecomesError(t *testing.T) {
	requirePython(t)
	runner := NewRunner(nil)
	defer runner.Close()

	root := t.TempDir()
	dir := writeTestBundle(t, root, "thrower", `from jedisos_skills import tool

@tool
def boom() -> None:
    raise ValueError("intentional")
`, false)

	_, err := runner.Invoke(context.Background(), dir, "boom", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "intentional") {
		t.Errorf("err = %v", err)
	}
}

func TestRunnerDeadline(t *testing.T) {
	requirePython(t)
	runner := NewRunner(nil)
	defer runner.Close()

	root := t.TempDir()
	dir := writeTestBundle(t, root, "sleeper", `import time
from jedisos_skills import tool

@tool
def nap() -> None:
    time.sleep(30)
`, false)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := runner.Invoke(ctx, dir, "nap", nil)
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %s", elapsed)
	}
}

func TestRunnerContextCapabilityRoundTrip(t *testing.T) {
	requirePython(t)

	engine := &fakeEngine{context: "previous notes"}
	svc := startContextService(t, &recordingCompleter{text: "model says hi"}, engine)

	runner := NewRunner(nil, WithContextSocket(svc.SocketPath))
	defer runner.Close()

	root := t.TempDir()
	dir := writeTestBundle(t, root, "noter", `from jedisos_skills import tool
import jedisos_context

@tool
def note(text: str) -> dict:
    retained = jedisos_context.memory_retain(text)
    answer = jedisos_context.llm_complete("summarize: " + text)
    return {"ok": True, "status": retained["status"], "answer": answer}
`, false)

	res, err := runner.Invoke(context.Background(), dir, "note", map[string]any{"text": "the sky is blue"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("result shape: %T", res)
	}
	if m["status"] != "retained" || m["answer"] != "model says hi" {
		t.Errorf("result = %v", m)
	}
	if len(engine.retained) != 1 || engine.retained[0] != "the sky is blue" {
		t.Errorf("retained = %v", engine.retained)
	}
}

func TestRunnerWithoutContextSocket(t *testing.T) {
	requirePython(t)
	runner := NewRunner(nil)
	defer runner.Close()

	root := t.TempDir()
	dir := writeTestBundle(t, root, "orphan", `from jedisos_skills import tool
import jedisos_context

@tool
def ask() -> str:
    return jedisos_context.llm_complete("hello")
`, false)

	_, err := runner.Invoke(context.Background(), dir, "ask", nil)
	if err == nil {
		t.Fatal("expected context unavailable error")
	}
	if !strings.Contains(err.Error(), "context service unavailable") {
		t.Errorf("err = %v", err)
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 10); got != "short" {
		t.Errorf("tail = %q", got)
	}
	long := strings.Repeat("x", 50) + "END"
	got := tail(long, 10)
	if !strings.HasSuffix(got, "END") || len(got) != 13 {
		t.Errorf("tail = %q", got)
	}
}
