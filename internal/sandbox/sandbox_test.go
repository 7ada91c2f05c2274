package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/pkg/schema"
)

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	x, err := New(cfg)
	require.NoError(t, err)
	return x
}

func snippet(lang, code string) schema.Snippet {
	return schema.Snippet{Index: 0, Language: lang, Code: code}
}

func TestExecute_Factorial(t *testing.T) {
	x := newTestExecutor(t, Config{})

	out := x.Execute(context.Background(), snippet("", `context["output"] = 5*4*3*2*1`), state.New())

	require.True(t, out.Succeeded, out.Error)
	assert.True(t, out.HasOutput)
	assert.Equal(t, 120, out.Output)
	assert.Equal(t, 120, out.Context.Get(state.KeyOutput))
	assert.Empty(t, out.Error)
	assert.NoError(t, out.Err)
}

func TestExecute_PythonTagRunsStatements(t *testing.T) {
	x := newTestExecutor(t, Config{})

	out := x.Execute(context.Background(), snippet("python", `context["output"] = 2 + 2`), state.New())

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, 4, out.Output)
}

func TestExecute_StatementsShareLocals(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"doc": "a b c"}

	code := `
words = split(context.doc, " ")
context["count"] = len(words)
context.summary = {"first": words[0], "n": len(words)}
context.count += 1
`
	out := x.Execute(context.Background(), snippet("", code), in)

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, 4, out.Context.Get("count"))
	assert.Equal(t, map[string]any{"first": "a", "n": 3}, out.Context.Get("summary"))
	assert.False(t, out.Context.Has("words"), "locals never leak into the context")
	assert.False(t, out.HasOutput)
}

func TestExecute_NestedAssignment(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"xs": []any{1, 2, 3}}

	code := `
context.stats.max = context.xs[2]
context["stats"]["min"] = context.xs[0]
context.xs[-1] = 30
key = "dyn"
context[key] = true
`
	out := x.Execute(context.Background(), snippet("expr", code), in)

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, map[string]any{"max": 3, "min": 1}, out.Context.Get("stats"))
	assert.Equal(t, []any{1, 2, 30}, out.Context.Get("xs"))
	assert.Equal(t, true, out.Context.Get("dyn"))
}

func TestExecute_ReplaceAndDelete(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"tmp": 1, "keep": "yes"}

	out := x.Execute(context.Background(), snippet("", `delete context["tmp"]`), in)
	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, state.Context{"keep": "yes"}, out.Context)

	out = x.Execute(context.Background(), snippet("", `context = {"output": "fresh"}`), in)
	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, state.Context{"output": "fresh"}, out.Context)

	out = x.Execute(context.Background(), snippet("", `context = 5`), in)
	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Error, "must be a mapping")
}

func TestExecute_NeverMutatesInput(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"x": []any{1, 2}, "m": map[string]any{"a": 1}}
	before := in.Clone()

	out := x.Execute(context.Background(), snippet("", "context.x[0] = 99\ncontext.m.a = 2"), in)

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, before, in)
	assert.Equal(t, []any{99, 2}, out.Context.Get("x"))
	assert.Equal(t, map[string]any{"a": 2}, out.Context.Get("m"))
}

func TestExecute_FailureReturnsOriginalContext(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"seed": 7}

	code := "context[\"a\"] = 1\ncontext[\"b\"] = undefined_name"
	out := x.Execute(context.Background(), snippet("", code), in)

	assert.False(t, out.Succeeded)
	assert.True(t, out.Context.Equal(in))
	assert.False(t, out.Context.Has("a"))
	assert.Contains(t, out.Error, "line 2")
	assert.Equal(t, schema.ErrCodeSnippetExecution, schema.CodeOf(out.Err))
	assert.False(t, out.HasOutput)
}

func TestExecute_Capabilities(t *testing.T) {
	x := newTestExecutor(t, Config{})

	tests := []struct {
		name string
		code string
		msg  string
	}{
		{"import", "import os\ncontext.x = 1", "import statements are not allowed"},
		{"from import", "from os import path", "import statements are not allowed"},
		{"open", `context.x = open("/etc/passwd")`, "open"},
		{"clock", `context.t = now()`, "now"},
		{"env lookup", `context.h = getenv("HOME")`, "getenv"},
		{"reserved name", `len = 3`, "reserved name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := x.Execute(context.Background(), snippet("", tc.code), state.New())
			assert.False(t, out.Succeeded)
			assert.Contains(t, out.Error, tc.msg)
			assert.Empty(t, out.Context)
		})
	}
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	x := newTestExecutor(t, Config{})

	out := x.Execute(context.Background(), snippet("bash", "rm -rf /"), state.Context{"a": 1})

	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Error, "unsupported snippet language")
	assert.Equal(t, state.Context{"a": 1}, out.Context)
}

func TestExecute_Print(t *testing.T) {
	x := newTestExecutor(t, Config{})

	out := x.Execute(context.Background(), snippet("", "print(\"hello\", 42)\nprint({\"a\": 1})"), state.New())

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, []string{"hello 42", `{"a":1}`}, out.Printed)
	assert.Empty(t, out.Context)
}

func TestExecute_SandboxFunctions(t *testing.T) {
	x := newTestExecutor(t, Config{})

	code := `
context.r = range(3)
context.e = enumerate(["a", "b"])
context.z = zip([1, 2, 3], ["x", "y"])
context.t = typeOf(context.r)
context.b = bool("")
`
	out := x.Execute(context.Background(), snippet("", code), state.New())

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, []any{0, 1, 2}, out.Context.Get("r"))
	assert.Equal(t, []any{[]any{0, "a"}, []any{1, "b"}}, out.Context.Get("e"))
	assert.Equal(t, []any{[]any{1, "x"}, []any{2, "y"}}, out.Context.Get("z"))
	assert.Equal(t, "sequence", out.Context.Get("t"))
	assert.Equal(t, false, out.Context.Get("b"))
}

func TestExecute_JQ(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"items": []any{1, 2, 3}}

	t.Run("transform", func(t *testing.T) {
		out := x.Execute(context.Background(),
			snippet("jq", `.total = (.items | add) | .output = "sum: \(.total)"`), in)
		require.True(t, out.Succeeded, out.Error)
		assert.Equal(t, 6, out.Context.Get("total"))
		assert.Equal(t, "sum: 6", out.Output)
		assert.Equal(t, []any{1, 2, 3}, out.Context.Get("items"))
	})

	t.Run("non mapping", func(t *testing.T) {
		out := x.Execute(context.Background(), snippet("jq", `.items`), in)
		assert.False(t, out.Succeeded)
		assert.Contains(t, out.Error, "must produce a mapping")
	})

	t.Run("many outputs", func(t *testing.T) {
		out := x.Execute(context.Background(), snippet("jq", `., .`), in)
		assert.False(t, out.Succeeded)
		assert.Contains(t, out.Error, "exactly one value")
	})

	assert.Equal(t, state.Context{"items": []any{1, 2, 3}}, in)
}

func TestExecute_CEL(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"items": []any{1, 2, 3}}

	code := `
doubled = context.items.map(x, x * 2)
context.n = size(doubled)
context["output"] = "n=" + string(context.n)
`
	out := x.Execute(context.Background(), snippet("CEL", code), in)

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, 3, out.Context.Get("n"))
	assert.Equal(t, "n=3", out.Output)
	assert.False(t, out.Context.Has("doubled"))
}

func TestExecute_StatementLimit(t *testing.T) {
	x := newTestExecutor(t, Config{MaxStatements: 2})

	out := x.Execute(context.Background(), snippet("", "a = 1\nb = 2\nc = 3"), state.New())

	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Error, "statement limit")
}

func TestExecute_Timeout(t *testing.T) {
	x := newTestExecutor(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	out := x.Execute(ctx, snippet("", "context.x = 1"), state.Context{"a": 1})

	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Error, "time limit")
	assert.Equal(t, state.Context{"a": 1}, out.Context)
}

func TestExecute_TimeoutInterruptsLongStatement(t *testing.T) {
	x := newTestExecutor(t, Config{Timeout: 20 * time.Millisecond})
	in := state.Context{"a": 1}

	code := `context["output"] = reduce(range(10000), #acc + reduce(range(1000), #acc + #, 0), 0)`
	start := time.Now()
	out := x.Execute(context.Background(), snippet("", code), in)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Error, "time limit")
	assert.True(t, out.Context.Equal(in))
	assert.False(t, out.HasOutput)
}

func TestExecute_NonFiniteResultFails(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"seed": 1}

	out := x.Execute(context.Background(), snippet("", `context["output"] = 1/0`), in)

	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Error, "non-finite")
	assert.True(t, out.Context.Equal(in))
	assert.False(t, out.HasOutput)
}

func TestExecute_CELPrint(t *testing.T) {
	x := newTestExecutor(t, Config{})
	in := state.Context{"items": []any{1, 2, 3}}

	code := `
n = size(context.items)
print("items:", n)
print(context.items.map(x, x * 10))
print()
`
	out := x.Execute(context.Background(), snippet("cel", code), in)

	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, []string{"items: 3", "[10,20,30]", ""}, out.Printed)
	assert.True(t, out.Context.Equal(in))
}

func TestPrintCall(t *testing.T) {
	tests := []struct {
		name string
		expr string
		args string
		ok   bool
	}{
		{"single", `print("a")`, `"a"`, true},
		{"several", `print(1, context.x)`, `1, context.x`, true},
		{"nested parens", `print(size([1, (2)]))`, `size([1, (2)])`, true},
		{"paren in string", `print(")")`, `")"`, true},
		{"empty", `print()`, ``, true},
		{"not print", `println("a")`, "", false},
		{"trailing call", `print("a") + print("b")`, "", false},
		{"bare name", `print`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, ok := printCall(tt.expr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestExecute_Concurrent(t *testing.T) {
	x := newTestExecutor(t, Config{})

	var wg sync.WaitGroup
	outs := make([]*Outcome, 50)
	for i := range 50 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			in := state.Context{"n": idx}
			outs[idx] = x.Execute(context.Background(),
				snippet("", "print(context.n)\ncontext.output = context.n * 2"), in)
		}(i)
	}
	wg.Wait()

	for i, out := range outs {
		require.True(t, out.Succeeded, out.Error)
		assert.Equal(t, i*2, out.Output)
		assert.Len(t, out.Printed, 1)
	}
}

func TestDialectFor(t *testing.T) {
	for lang, want := range map[string]string{
		"": DialectStatements, "py": DialectStatements, "RLM": DialectStatements,
		"cel": DialectCEL, "jq": DialectJQ,
	} {
		got, ok := DialectFor(lang)
		assert.True(t, ok, lang)
		assert.Equal(t, want, got, lang)
	}
	_, ok := DialectFor("javascript")
	assert.False(t, ok)
}
