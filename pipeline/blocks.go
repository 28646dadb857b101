// Package pipeline interprets block-sequence definitions and drives
// tasks through executor, review, retry, escalate and done stages.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Block kinds.
const (
	BlockRoute    = "route"
	BlockExecutor = "executor"
	BlockReview   = "review"
	BlockRetry    = "retry"
	BlockEscalate = "escalate"
	BlockDone     = "done"
)

// Pass actions for review blocks.
const (
	PassSkipToDone = "skip_to_done"
	PassContinue   = "continue"
)

// On-limit policies for escalate blocks.
const (
	OnLimitStop  = "stop"
	OnLimitQueue = "queue"
)

// Block is one step of a pipeline definition.
type Block struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// ParseBlocks decodes a persisted blocks_json array.
func ParseBlocks(blocksJSON string) ([]Block, error) {
	if strings.TrimSpace(blocksJSON) == "" {
		return nil, nil
	}
	var blocks []Block
	if err := json.Unmarshal([]byte(blocksJSON), &blocks); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline blocks: %w", err)
	}
	return blocks, nil
}

// String returns a string config value, or def when absent or not a
// string.
func (b Block) String(key, def string) string {
	if v, ok := b.Config[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// Int returns an integer config value. JSON numbers arrive as float64.
func (b Block) Int(key string, def int) int {
	switch v := b.Config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean config value.
func (b Block) Bool(key string, def bool) bool {
	switch v := b.Config[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	case float64:
		return v != 0
	}
	return def
}

// Label returns the block's display label, falling back to its type.
func (b Block) Label() string {
	return b.String("label", b.Type)
}
