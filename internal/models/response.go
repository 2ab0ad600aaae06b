package models

import (
	"encoding/json"
	"strings"
)

// ResponseKind discriminates the two shapes a CLI subprocess result can take.
// The shape is decided exactly once, at parse time; downstream code switches
// on Kind instead of re-inspecting the payload.
type ResponseKind string

const (
	// ResponseStructured means stdout carried the CLI's JSON envelope with
	// result text and usage accounting.
	ResponseStructured ResponseKind = "structured"
	// ResponseRaw means stdout was not valid JSON and is used verbatim.
	ResponseRaw ResponseKind = "raw"
)

// CLIResponse is the parsed output of one AI CLI subprocess invocation.
type CLIResponse struct {
	Kind       ResponseKind // structured or raw
	Result     string       // Generated text
	TokensUsed int          // Total tokens reported by the CLI (structured only)
	CostUSD    float64      // Cost reported by the CLI (structured only)
}

// cliEnvelope mirrors the JSON the AI CLI emits on stdout when it succeeds:
// {"result": "...", "usage": {"total_tokens": N}, "total_cost_usd": F}
type cliEnvelope struct {
	Result string `json:"result"`
	Usage  struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// ParseCLIOutput parses subprocess stdout into a CLIResponse.
// It attempts structured JSON parsing first and falls back to treating the
// output as raw generated text. It never returns an error: either path must
// yield a usable result rather than propagating a parse failure.
func ParseCLIOutput(output string) *CLIResponse {
	trimmed := strings.TrimSpace(output)

	var env cliEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Result != "" {
		return &CLIResponse{
			Kind:       ResponseStructured,
			Result:     env.Result,
			TokensUsed: env.Usage.TotalTokens,
			CostUSD:    env.TotalCostUSD,
		}
	}

	return &CLIResponse{
		Kind:   ResponseRaw,
		Result: output,
	}
}
