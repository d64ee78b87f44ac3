// Package parser provides tests for AWS Event Stream format and thinking blocks.
package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// TestFindMatchingBrace
// =============================================================================

func TestFindMatchingBrace(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		startPos int
		want     int
	}{
		{
			name:     "simple JSON object",
			input:    `{"key": "value"}`,
			startPos: 0,
			want:     15,
		},
		{
			name:     "nested JSON object",
			input:    `{"outer": {"inner": "value"}}`,
			startPos: 0,
			want:     28,
		},
		{
			name:     "JSON with braces in string",
			input:    `{"text": "Hello {world}"}`,
			startPos: 0,
			want:     24,
		},
		{
			name:     "JSON with escaped quotes",
			input:    `{"text": "Say \"hello\""}`,
			startPos: 0,
			want:     24,
		},
		{
			name:     "incomplete JSON",
			input:    `{"key": "value"`,
			startPos: 0,
			want:     -1,
		},
		{
			name:     "invalid start position",
			input:    `hello {"key": "value"}`,
			startPos: 0,
			want:     -1,
		},
		{
			name:     "start position out of bounds",
			input:    `{"a":1}`,
			startPos: 100,
			want:     -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindMatchingBrace(tt.input, tt.startPos)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// TestParseBracketToolCalls
// =============================================================================

func TestParseBracketToolCalls(t *testing.T) {
	t.Run("parses single tool call", func(t *testing.T) {
		text := `[Called get_weather with args: {"location": "Moscow"}]`
		result := ParseBracketToolCalls(text)

		assert.Len(t, result, 1)
		assert.Equal(t, "get_weather", result[0].Function.Name)
		assert.Contains(t, result[0].Function.Arguments, "location")
	})

	t.Run("parses multiple tool calls", func(t *testing.T) {
		text := `
		[Called get_weather with args: {"location": "Moscow"}]
		Some text in between
		[Called get_time with args: {"timezone": "UTC"}]
		`
		result := ParseBracketToolCalls(text)

		assert.Len(t, result, 2)
		assert.Equal(t, "get_weather", result[0].Function.Name)
		assert.Equal(t, "get_time", result[1].Function.Name)
	})

	t.Run("returns empty for no tool calls", func(t *testing.T) {
		text := "This is just regular text without any tool calls."
		result := ParseBracketToolCalls(text)
		assert.Nil(t, result)
	})

	t.Run("returns empty for empty string", func(t *testing.T) {
		result := ParseBracketToolCalls("")
		assert.Nil(t, result)
	})

	t.Run("handles nested JSON in args", func(t *testing.T) {
		text := `[Called complex_func with args: {"data": {"nested": {"deep": "value"}}}]`
		result := ParseBracketToolCalls(text)

		assert.Len(t, result, 1)
		assert.Equal(t, "complex_func", result[0].Function.Name)
		assert.Contains(t, result[0].Function.Arguments, "nested")
	})

	t.Run("generates unique IDs", func(t *testing.T) {
		text := `
		[Called func with args: {"a": 1}]
		[Called func with args: {"a": 1}]
		`
		result := ParseBracketToolCalls(text)

		assert.Len(t, result, 2)
		assert.NotEqual(t, result[0].ID, result[1].ID)
	})
}

// =============================================================================
// TestDeduplicateToolCalls
// =============================================================================

func TestDeduplicateToolCalls(t *testing.T) {
	t.Run("removes duplicates", func(t *testing.T) {
		toolCalls := []ToolCall{
			{ID: "1", Function: ToolCallFunction{Name: "func", Arguments: `{"a": 1}`}},
			{ID: "2", Function: ToolCallFunction{Name: "func", Arguments: `{"a": 1}`}},
			{ID: "3", Function: ToolCallFunction{Name: "other", Arguments: `{"b": 2}`}},
		}
		result := DeduplicateToolCalls(toolCalls)
		assert.Len(t, result, 2)
	})

	t.Run("preserves first occurrence", func(t *testing.T) {
		toolCalls := []ToolCall{
			{ID: "first", Function: ToolCallFunction{Name: "func", Arguments: `{"a": 1}`}},
			{ID: "second", Function: ToolCallFunction{Name: "func", Arguments: `{"a": 1}`}},
		}
		result := DeduplicateToolCalls(toolCalls)
		assert.Len(t, result, 1)
		assert.Equal(t, "first", result[0].ID)
	})

	t.Run("handles empty list", func(t *testing.T) {
		result := DeduplicateToolCalls(nil)
		assert.Nil(t, result)
	})

	t.Run("deduplicates by id keeps one with arguments", func(t *testing.T) {
		toolCalls := []ToolCall{
			{ID: "call_123", Function: ToolCallFunction{Name: "func", Arguments: "{}"}},
			{ID: "call_123", Function: ToolCallFunction{Name: "func", Arguments: `{"location": "Moscow"}`}},
		}
		result := DeduplicateToolCalls(toolCalls)

		assert.Len(t, result, 1)
		assert.Contains(t, result[0].Function.Arguments, "Moscow")
	})

	t.Run("deduplicates by id prefers longer arguments", func(t *testing.T) {
		toolCalls := []ToolCall{
			{ID: "call_abc", Function: ToolCallFunction{Name: "search", Arguments: `{"q": "test"}`}},
			{ID: "call_abc", Function: ToolCallFunction{Name: "search", Arguments: `{"q": "test", "limit": 10, "offset": 0}`}},
		}
		result := DeduplicateToolCalls(toolCalls)

		assert.Len(t, result, 1)
		assert.Contains(t, result[0].Function.Arguments, "limit")
	})

	t.Run("deduplicates empty arguments replaced by non-empty", func(t *testing.T) {
		toolCalls := []ToolCall{
			{ID: "call_xyz", Function: ToolCallFunction{Name: "get_weather", Arguments: "{}"}},
			{ID: "call_xyz", Function: ToolCallFunction{Name: "get_weather", Arguments: `{"city": "London"}`}},
		}
		result := DeduplicateToolCalls(toolCalls)

		assert.Len(t, result, 1)
		assert.Equal(t, `{"city": "London"}`, result[0].Function.Arguments)
	})

	t.Run("handles tool calls without id", func(t *testing.T) {
		toolCalls := []ToolCall{
			{ID: "", Function: ToolCallFunction{Name: "func", Arguments: `{"a": 1}`}},
			{ID: "", Function: ToolCallFunction{Name: "func", Arguments: `{"a": 1}`}},
			{ID: "", Function: ToolCallFunction{Name: "func", Arguments: `{"b": 2}`}},
		}
		result := DeduplicateToolCalls(toolCalls)
		// Two unique by name+arguments
		assert.Len(t, result, 2)
	})

	t.Run("mixed with and without id", func(t *testing.T) {
		toolCalls := []ToolCall{
			{ID: "call_1", Function: ToolCallFunction{Name: "func1", Arguments: `{"x": 1}`}},
			{ID: "call_1", Function: ToolCallFunction{Name: "func1", Arguments: "{}"}}, // Duplicate by id
			{ID: "", Function: ToolCallFunction{Name: "func2", Arguments: `{"y": 2}`}},
			{ID: "", Function: ToolCallFunction{Name: "func2", Arguments: `{"y": 2}`}}, // Duplicate by name+args
		}
		result := DeduplicateToolCalls(toolCalls)

		// call_1 with arguments + func2 once
		assert.Len(t, result, 2)

		// Verify that call_1 kept its arguments
		var call1 *ToolCall
		for i := range result {
			if result[i].ID == "call_1" {
				call1 = &result[i]
				break
			}
		}
		assert.NotNil(t, call1)
		assert.Equal(t, `{"x": 1}`, call1.Function.Arguments)
	})
}

// =============================================================================
// TestAwsEventStreamParserInitialization
// =============================================================================

func TestAwsEventStreamParser_Initialization(t *testing.T) {
	parser := NewAwsEventStreamParser()

	assert.Equal(t, "", parser.buffer)
	assert.Nil(t, parser.lastContent)
	assert.Nil(t, parser.currentToolCall)
	assert.Empty(t, parser.toolCalls)
}

// =============================================================================
// TestAwsEventStreamParserFeed
// =============================================================================

func TestAwsEventStreamParser_Feed(t *testing.T) {
	t.Run("parses content event", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"content":"Hello World"}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 1)
		assert.Equal(t, EventTypeContent, events[0].Type)
		assert.Equal(t, "Hello World", events[0].Data.(ContentData).Content)
	})

	t.Run("parses multiple content events", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"content":"First"}{"content":"Second"}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 2)
		assert.Equal(t, "First", events[0].Data.(ContentData).Content)
		assert.Equal(t, "Second", events[1].Data.(ContentData).Content)
	})

	t.Run("deduplicates repeated content", func(t *testing.T) {
		parser := NewAwsEventStreamParser()

		events1 := parser.Feed([]byte(`{"content":"Same"}`))
		events2 := parser.Feed([]byte(`{"content":"Same"}`))

		assert.Len(t, events1, 1)
		assert.Len(t, events2, 0) // Duplicate filtered out
	})

	t.Run("parses usage event", func(t *testing.T) {
		// Note: Go version uses int for Credits, Python uses float
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"usage":42}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 1)
		assert.Equal(t, EventTypeUsage, events[0].Type)
		assert.Equal(t, 42, events[0].Data.(UsageData).Credits)
	})

	t.Run("parses context usage event", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"contextUsagePercentage":25.5}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 1)
		assert.Equal(t, EventTypeContextUsage, events[0].Type)
		assert.Equal(t, 25.5, events[0].Data.(ContextUsageData).Percentage)
	})

	t.Run("handles incomplete JSON", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"content":"Hel`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 0) // Nothing parsed
		assert.Contains(t, parser.buffer, "content")
	})

	t.Run("completes JSON across chunks", func(t *testing.T) {
		parser := NewAwsEventStreamParser()

		events1 := parser.Feed([]byte(`{"content":"Hel`))
		events2 := parser.Feed([]byte(`lo World"}`))

		assert.Len(t, events1, 0)
		assert.Len(t, events2, 1)
		assert.Equal(t, "Hello World", events2[0].Data.(ContentData).Content)
	})

	t.Run("decodes escape sequences", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"content":"Line1\nLine2"}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 1)
		assert.Contains(t, events[0].Data.(ContentData).Content, "\n")
	})

	t.Run("handles invalid bytes", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte{0xff, 0xfe, '{', '"', 'c', 'o', 'n', 't', 'e', 'n', 't', '"', ':', '"', 't', 'e', 's', 't', '"', '}'}

		events := parser.Feed(chunk)

		// Parser should continue working
		assert.Len(t, events, 1)
	})
}

// =============================================================================
// TestAwsEventStreamParserToolCalls
// =============================================================================

func TestAwsEventStreamParser_ToolCalls(t *testing.T) {
	t.Run("parses tool start event", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"name":"get_weather","toolUseId":"call_123"}`)

		events := parser.Feed(chunk)

		// tool_start doesn't return event, but creates currentToolCall
		assert.Len(t, events, 0)
		assert.NotNil(t, parser.currentToolCall)
		assert.Equal(t, "get_weather", parser.currentToolCall.Function.Name)
	})

	t.Run("parses tool input event", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		parser.Feed([]byte(`{"name":"func","toolUseId":"call_1"}`))
		parser.Feed([]byte(`{"input":"{\"key\": \"value\"}"}`))

		assert.Contains(t, parser.currentToolCall.Function.Arguments, "key")
	})

	t.Run("parses tool stop event", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		parser.Feed([]byte(`{"name":"func","toolUseId":"call_1"}`))
		parser.Feed([]byte(`{"input":"{}"}`))
		parser.Feed([]byte(`{"stop":true}`))

		assert.Len(t, parser.toolCalls, 1)
		assert.Nil(t, parser.currentToolCall)
	})

	t.Run("get tool calls returns all", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		parser.Feed([]byte(`{"name":"func1","toolUseId":"call_1"}`))
		parser.Feed([]byte(`{"stop":true}`))
		parser.Feed([]byte(`{"name":"func2","toolUseId":"call_2"}`))
		parser.Feed([]byte(`{"stop":true}`))

		toolCalls := parser.GetToolCalls()

		assert.Len(t, toolCalls, 2)
	})

	t.Run("get tool calls finalizes current", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		parser.Feed([]byte(`{"name":"func","toolUseId":"call_1"}`))

		toolCalls := parser.GetToolCalls()

		assert.Len(t, toolCalls, 1)
		assert.Nil(t, parser.currentToolCall)
	})
}

// =============================================================================
// TestAwsEventStreamParserReset
// =============================================================================

func TestAwsEventStreamParser_Reset(t *testing.T) {
	parser := NewAwsEventStreamParser()
	parser.Feed([]byte(`{"content":"test"}`))
	parser.Feed([]byte(`{"name":"func","toolUseId":"call_1"}`))

	parser.Reset()

	assert.Equal(t, "", parser.buffer)
	assert.Nil(t, parser.lastContent)
	assert.Nil(t, parser.currentToolCall)
	assert.Empty(t, parser.toolCalls)
}

// =============================================================================
// TestAwsEventStreamParserEdgeCases
// =============================================================================

func TestAwsEventStreamParser_EdgeCases(t *testing.T) {
	t.Run("handles followup prompt", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`{"content":"text","followupPrompt":"suggestion"}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 0) // followupPrompt is ignored
	})

	t.Run("handles mixed events", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		// Note: Go version uses int for usage, Python uses float
		chunk := []byte(`{"content":"Hello"}{"usage":42}{"contextUsagePercentage":50}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 3)
		assert.Equal(t, EventTypeContent, events[0].Type)
		assert.Equal(t, EventTypeUsage, events[1].Type)
		assert.Equal(t, EventTypeContextUsage, events[2].Type)
	})

	t.Run("handles garbage between events", func(t *testing.T) {
		parser := NewAwsEventStreamParser()
		chunk := []byte(`garbage{"content":"valid"}more garbage{"usage":42}`)

		events := parser.Feed(chunk)

		assert.Len(t, events, 2)
	})

	t.Run("handles empty chunk", func(t *testing.T) {
		parser := NewAwsEventStreamParser()

		events := parser.Feed([]byte{})

		assert.Empty(t, events)
	})
}
