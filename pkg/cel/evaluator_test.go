package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/pkg/models"
)

func testMessage() *models.Message {
	return models.NewMessageBuilder().
		WithID("ord-1").
		WithTimestamp(time.Now()).
		WithPayload(map[string]interface{}{
			"order_id": "A-100",
			"amount":   250.0,
			"type":     "order",
			"customer": map[string]interface{}{"tier": "premium"},
		}).
		WithMaxRetries(3).
		Build()
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateRule(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{name: "bool comparison", expr: `payload.type == "order"`},
		{name: "retry counters", expr: `retries < max_retries`},
		{name: "non-bool expression", expr: `payload.amount`, wantError: true},
		{name: "invalid syntax", expr: `invalid syntax here!!!`, wantError: true},
		{name: "undefined variable", expr: `source == "api"`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateRule(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRuleExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range RuleExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateRule(expr))
		})
	}
}

func TestEvaluateRule(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "non empty payload", expr: RuleExamples["non_empty_payload"], want: true},
		{name: "numeric range", expr: RuleExamples["numeric_range"], want: true},
		{name: "id prefix", expr: RuleExamples["id_prefix"], want: true},
		{name: "nested field", expr: RuleExamples["nested_field"], want: true},
		{name: "retries", expr: `retries == 0 && max_retries == 3`, want: true},
		{name: "failing comparison", expr: `payload.amount > 1000.0`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateRule(ctx, tt.expr, testMessage())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateRule_MissingField(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	_, err = eval.EvaluateRule(context.Background(), `payload.missing == "x"`, testMessage())
	assert.Error(t, err)
}

func TestRuleSet_Check(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	rs, err := eval.CompileRuleSet([]string{`size(payload) > 0`, `payload.type == "refund"`})
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())

	failed, err := rs.Check(context.Background(), testMessage())
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, `payload.type == "refund"`, failed.Expression)

	msg := testMessage()
	msg.Payload["type"] = "refund"
	failed, err = rs.Check(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, failed)
}

func TestCompileRuleSet_InvalidRule(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	_, err = eval.CompileRuleSet([]string{`size(payload) > 0`, `payload.amount`})
	assert.Error(t, err)
}
