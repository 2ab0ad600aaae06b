package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidate(t *testing.T) {
	valid := Task{
		ID:         "task-1",
		Prompt:     "generate tests",
		SourceFile: "src/service.py",
		OutputFile: "tests/test_service.py",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing id", func(tk *Task) { tk.ID = "" }},
		{"missing prompt", func(tk *Task) { tk.Prompt = "" }},
		{"missing source file", func(tk *Task) { tk.SourceFile = "" }},
		{"missing output file", func(tk *Task) { tk.OutputFile = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := valid
			tt.mutate(&task)
			assert.Error(t, task.Validate())
		})
	}
}

func TestParseCLIOutputStructured(t *testing.T) {
	out := `{"result": "def test_add():\n    assert add(1, 2) == 3", "usage": {"total_tokens": 420}, "total_cost_usd": 0.0123}`

	resp := ParseCLIOutput(out)
	require.NotNil(t, resp)
	assert.Equal(t, ResponseStructured, resp.Kind)
	assert.Contains(t, resp.Result, "def test_add")
	assert.Equal(t, 420, resp.TokensUsed)
	assert.InDelta(t, 0.0123, resp.CostUSD, 1e-9)
}

func TestParseCLIOutputRawFallback(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"plain text", "def test_add():\n    assert add(1, 2) == 3"},
		{"malformed json", `{"result": "truncated`},
		{"json without result field", `{"status": "ok"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ParseCLIOutput(tt.out)
			require.NotNil(t, resp)
			assert.Equal(t, ResponseRaw, resp.Kind)
			assert.Equal(t, tt.out, resp.Result)
			assert.Zero(t, resp.TokensUsed)
		})
	}
}

func TestRunStatsSuccessRate(t *testing.T) {
	stats := RunStats{Completed: 3, Failed: 1}
	assert.InDelta(t, 0.75, stats.SuccessRate(), 1e-9)

	empty := RunStats{}
	assert.Equal(t, 1.0, empty.SuccessRate())
}
