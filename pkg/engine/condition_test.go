package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition_EmptyExpressionPasses(t *testing.T) {
	passed, err := evaluateCondition("", nil)
	require.NoError(t, err)
	assert.True(t, passed)
}

func TestEvaluateCondition_BooleanExpressions(t *testing.T) {
	runContext := map[string]any{
		"plan":       "pro",
		"open_count": 3,
	}

	tests := []struct {
		expression string
		want       bool
	}{
		{`plan == "pro"`, true},
		{`plan == "free"`, false},
		{`open_count > 1`, true},
		{`open_count > 10`, false},
		{`plan == "pro" and open_count > 1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			passed, err := evaluateCondition(tt.expression, runContext)
			require.NoError(t, err)
			assert.Equal(t, tt.want, passed)
		})
	}
}

func TestEvaluateCondition_UndefinedVariablesAllowed(t *testing.T) {
	passed, err := evaluateCondition(`missing == "x"`, map[string]any{})
	require.NoError(t, err)
	assert.False(t, passed)
}

func TestEvaluateCondition_NonBooleanRejected(t *testing.T) {
	_, err := evaluateCondition(`1 + 1`, map[string]any{})
	assert.Error(t, err)
}

func TestEvaluateCondition_SignalPayloadAccess(t *testing.T) {
	runContext := map[string]any{
		"signal:email_opened": map[string]any{"campaign": "welcome"},
	}

	passed, err := evaluateCondition(`"signal:email_opened" in $env`, runContext)
	require.NoError(t, err)
	assert.True(t, passed)
}
