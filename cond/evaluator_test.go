package cond

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ctxWithOutputs(outputs map[string]any) map[string]any {
	return map[string]any{"stepOutputs": outputs}
}

// --- EvaluateCondition: contract ---

func TestEvaluateCondition_EmptyIsTrue(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(zap.NewNop())
	assert.True(t, e.EvaluateCondition("", nil))
	assert.True(t, e.EvaluateCondition("   ", nil))
}

func TestEvaluateCondition_MalformedIsFalseNotPanic(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(zap.NewNop())
	for _, expr := range []string{
		"((a.b == 1",
		"a &&",
		"=== 3",
		"'unterminated",
		"a ++ b",
		"@bad",
	} {
		assert.False(t, e.EvaluateCondition(expr, map[string]any{}), "expr %q", expr)
	}
}

func TestEvaluateCondition_StepOutputLookup(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(zap.NewNop())

	ctx := ctxWithOutputs(map[string]any{
		"a": map[string]any{"ok": true},
	})
	assert.True(t, e.EvaluateCondition("stepOutputs.a.ok === true", ctx))

	// Output missing entirely.
	assert.False(t, e.EvaluateCondition("stepOutputs.a.ok === true", ctxWithOutputs(map[string]any{})))

	// Output is not an object: property access yields undefined, not an error.
	ctx = ctxWithOutputs(map[string]any{"a": "plain string"})
	assert.False(t, e.EvaluateCondition("stepOutputs.a.ok === true", ctx))

	// Field holds a different value.
	ctx = ctxWithOutputs(map[string]any{"a": map[string]any{"ok": false}})
	assert.False(t, e.EvaluateCondition("stepOutputs.a.ok === true", ctx))
}

// --- Grammar ---

func evalTrue(t *testing.T, expr string, ctx map[string]any) {
	t.Helper()
	e := NewEvaluator(nil)
	got, err := e.Evaluate(expr, ctx)
	require.NoError(t, err, "expr %q", expr)
	assert.True(t, got, "expr %q", expr)
}

func evalFalse(t *testing.T, expr string, ctx map[string]any) {
	t.Helper()
	e := NewEvaluator(nil)
	got, err := e.Evaluate(expr, ctx)
	require.NoError(t, err, "expr %q", expr)
	assert.False(t, got, "expr %q", expr)
}

func TestEvaluate_Literals(t *testing.T) {
	t.Parallel()
	evalTrue(t, "true", nil)
	evalFalse(t, "false", nil)
	evalFalse(t, "null", nil)
	evalFalse(t, "undefined", nil)
	evalTrue(t, "1", nil)
	evalFalse(t, "0", nil)
	evalTrue(t, `"text"`, nil)
	evalFalse(t, `""`, nil)
	evalTrue(t, "'single quoted'", nil)
}

func TestEvaluate_NumericComparisons(t *testing.T) {
	t.Parallel()
	evalTrue(t, "3 > 2", nil)
	evalTrue(t, "2 >= 2", nil)
	evalTrue(t, "-5 < -1", nil)
	evalTrue(t, "1.5 <= 1.5", nil)
	evalFalse(t, "2 > 3", nil)
	evalTrue(t, "10 == 10", nil)
	evalTrue(t, "10 != 11", nil)
}

func TestEvaluate_StrictVsLooseEquality(t *testing.T) {
	t.Parallel()
	ctx := map[string]any{"count": 5, "label": "5"}
	evalTrue(t, "count == label", ctx)   // loose coerces "5" to a number
	evalFalse(t, "count === label", ctx) // strict requires matching kinds
	evalTrue(t, "count === 5", ctx)
	evalTrue(t, `label === "5"`, ctx)
	evalTrue(t, "count !== label", ctx)
	evalFalse(t, "count != label", ctx)
}

func TestEvaluate_NullAndUndefined(t *testing.T) {
	t.Parallel()
	ctx := map[string]any{"present": map[string]any{"value": nil}}
	evalTrue(t, "missing == null", ctx)
	evalTrue(t, "missing === undefined", ctx)
	evalTrue(t, "present.value == null", ctx)
	evalFalse(t, "present == null", ctx)
	evalFalse(t, "missing > 0", ctx)
}

func TestEvaluate_Logic(t *testing.T) {
	t.Parallel()
	evalTrue(t, "true && true", nil)
	evalFalse(t, "true && false", nil)
	evalTrue(t, "false || true", nil)
	evalFalse(t, "false || false", nil)
	evalTrue(t, "!false", nil)
	evalTrue(t, "!!true", nil)
	// || binds loosest: equivalent to (true && false) || true.
	evalTrue(t, "true && false || true", nil)
	// Parentheses override precedence.
	evalFalse(t, "true && (false || false)", nil)
}

func TestEvaluate_StringEscapes(t *testing.T) {
	t.Parallel()
	ctx := map[string]any{"s": `he said "hi"`}
	evalTrue(t, `s == "he said \"hi\""`, ctx)
	evalTrue(t, `'it\'s' == "it's"`, nil)
}

func TestEvaluate_DottedPaths(t *testing.T) {
	t.Parallel()
	ctx := ctxWithOutputs(map[string]any{
		"build": map[string]any{
			"result": map[string]any{"passed": true, "score": 0.92},
		},
	})
	evalTrue(t, "stepOutputs.build.result.passed", ctx)
	evalTrue(t, "stepOutputs.build.result.score >= 0.9", ctx)
	evalFalse(t, "stepOutputs.build.result.missing", ctx)
	evalFalse(t, "stepOutputs.build.result.passed.deeper", ctx)
}

func TestEvaluate_CombinedConditions(t *testing.T) {
	t.Parallel()
	ctx := ctxWithOutputs(map[string]any{
		"review": map[string]any{"status": "approved", "comments": 0},
		"tests":  map[string]any{"failed": 0},
	})
	evalTrue(t, `stepOutputs.review.status === "approved" && stepOutputs.tests.failed === 0`, ctx)
	evalTrue(t, `stepOutputs.review.comments > 0 || stepOutputs.tests.failed <= 0`, ctx)
	evalFalse(t, `!(stepOutputs.review.status === "approved")`, ctx)
}

func TestEvaluate_ErrorsPropagate(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(nil)
	for _, expr := range []string{"", "(", "a ===", "1 2"} {
		_, err := e.Evaluate(expr, nil)
		assert.Error(t, err, "expr %q", expr)
	}
}
