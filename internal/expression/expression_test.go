package expression

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() map[string]any {
	return map[string]any{
		"data": map[string]any{
			"approved": true,
			"x":        false,
			"score":    float64(72),
			"count":    3,
			"value":    json.Number("250000"),
			"status":   "pending",
			"empty":    "",
			"owner": map[string]any{
				"name": "Ada",
			},
		},
		"instance": map[string]any{
			"priority":      "high",
			"currentStepId": "step_review",
		},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"data.approved === true", true},
		{"data.approved == true", true},
		{"data.approved !== true", false},
		{"data.x == false", true},
		{"data.x == true", false},
		{"data.x === false", true},
		{"!data.x", true},
		{"data.score > 70", true},
		{"data.score >= 72 && data.score < 73", true},
		{"data.score <= 71", false},
		{"data.count == 3", true},
		{"data.count === 3", true},
		{"data.count * 2 + 1 == 7", true},
		{"data.count % 2 == 1", true},
		{"-data.count < 0", true},
		{"(1 + 2) * 3 == 9", true},
		{"1 + 2 * 3 == 7", true},
		{"data.value > 100000", true},
		{"data.count == '3'", true},
		{"data.count === '3'", false},
		{"data.status == 'pending'", true},
		{`data.status == "pending"`, true},
		{"data.status + '-x' == 'pending-x'", true},
		{"'a' < 'b'", true},
		{"data.owner.name == 'Ada'", true},
		{"data.owner.missing == null", true},
		{"data.missing == undefined", true},
		{"data.missing === null", true},
		{"data.missing", false},
		{"data.empty", false},
		{"data.status", true},
		{"data.missing.deeper == null", true},
		{"instance.priority == 'high' || data.x", true},
		{"instance.priority == 'low' || data.x", false},
		{"data.x && data.missing.deeper.still", false},
		{"!(data.approved && data.x)", true},
		{"1 / 0 > 1000", true},
		{"data.status > 1", false},
		{"null == false", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, testEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEval_values(t *testing.T) {
	expr, err := Parse("data.count + 0.5")
	require.NoError(t, err)
	assert.Equal(t, 3.5, expr.Eval(testEnv()))

	expr, err = Parse("data.x || 'fallback'")
	require.NoError(t, err)
	assert.Equal(t, "fallback", expr.Eval(testEnv()))
}

func TestParse_rejects(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"data.x ==",
		"data.x = true",
		"(data.x",
		"data.x)",
		"data.",
		"data[0]",
		"alert('x')",
		"data.x; data.y",
		"'unterminated",
		"data.x ? 1 : 2",
		"1 2",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.Error(t, err)
		})
	}
}

func TestParse_depthLimit(t *testing.T) {
	deep := ""
	for i := 0; i < maxDepth+1; i++ {
		deep += "("
	}
	deep += "1"
	for i := 0; i < maxDepth+1; i++ {
		deep += ")"
	}
	_, err := Parse(deep)
	assert.Error(t, err)
}

func TestRoots(t *testing.T) {
	expr, err := Parse("data.a > 1 && instance.priority == 'high' || data.b")
	require.NoError(t, err)
	assert.Equal(t, []string{"data", "instance"}, expr.Roots())
}

func TestExpr_concurrentEval(t *testing.T) {
	expr, err := Parse("data.score > 50")
	require.NoError(t, err)
	done := make(chan bool)
	for i := 0; i < 8; i++ {
		go func() {
			done <- expr.EvalBool(testEnv())
		}()
	}
	for i := 0; i < 8; i++ {
		assert.True(t, <-done)
	}
}
