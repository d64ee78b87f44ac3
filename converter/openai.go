// Package converter handles conversion between API formats and Kiro format.
package converter

import (
	"encoding/json"
	"strings"
	"time"

	"kiro-gateway/utils"

	log "github.com/sirupsen/logrus"
)

// OpenAIRequest represents an OpenAI API request
type OpenAIRequest struct {
	Model            string          `json:"model"`
	Messages         []OpenAIMessage `json:"messages"`
	Stream           bool            `json:"stream"`
	Tools            []OpenAITool    `json:"tools,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             interface{}     `json:"stop,omitempty"`
	N                *int            `json:"n,omitempty"`
}

// OpenAIMessage represents an OpenAI message
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall represents a tool call in OpenAI format
type OpenAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

// OpenAIFunction represents function details
type OpenAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAITool represents a tool definition
type OpenAITool struct {
	Type     string            `json:"type"`
	Function OpenAIFunctionDef `json:"function"`
}

// OpenAIFunctionDef represents a function definition
type OpenAIFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// OpenAIResponse represents an OpenAI API response
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// OpenAIChoice represents a choice in the response
type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIDelta   `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason"`
	LogProbs     interface{}    `json:"logprobs,omitempty"`
}

// OpenAIDelta represents a streaming delta
type OpenAIDelta struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

// OpenAIUsage represents usage statistics
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIModelsResponse represents the models list response
type OpenAIModelsResponse struct {
	Object string            `json:"object"`
	Data   []OpenAIModelData `json:"data"`
}

// OpenAIModelData represents a model in the list
type OpenAIModelData struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ConvertOpenAIToUnified splits an OpenAI message list into the unified
// message slice plus whatever system prompt it carried, dispatching each
// message by role.
func ConvertOpenAIToUnified(messages []OpenAIMessage) ([]UnifiedMessage, string) {
	var unified []UnifiedMessage
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemPrompt = utils.ExtractTextContent(msg.Content)
		case "user":
			unified = append(unified, unifiedFromOpenAIUser(msg))
		case "assistant":
			unified = append(unified, unifiedFromOpenAIAssistant(msg))
		case "tool":
			unified = mergeOpenAIToolResult(unified, msg)
		default:
			log.Warnf("Unknown role '%s', treating as user", msg.Role)
			unified = append(unified, UnifiedMessage{Role: "user", Content: msg.Content})
		}
	}

	return unified, systemPrompt
}

func unifiedFromOpenAIUser(msg OpenAIMessage) UnifiedMessage {
	um := UnifiedMessage{
		Role:    "user",
		Content: msg.Content,
		Images:  ExtractImagesFromOpenAIContent(msg.Content),
	}
	if msg.ToolCallID != "" {
		um.ToolResults = []ToolResult{{ToolUseID: msg.ToolCallID, Content: msg.Content}}
	}
	return um
}

func unifiedFromOpenAIAssistant(msg OpenAIMessage) UnifiedMessage {
	um := UnifiedMessage{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		call := ToolCall{ID: tc.ID, Type: tc.Type}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = tc.Function.Arguments
		um.ToolCalls = append(um.ToolCalls, call)
	}
	return um
}

// mergeOpenAIToolResult attaches a "tool" role message to the preceding user
// turn when one is already open, or opens a fresh user turn to carry it.
func mergeOpenAIToolResult(unified []UnifiedMessage, msg OpenAIMessage) []UnifiedMessage {
	result := ToolResult{ToolUseID: msg.ToolCallID, Content: msg.Content}

	if len(unified) > 0 && unified[len(unified)-1].Role == "user" {
		unified[len(unified)-1].ToolResults = append(unified[len(unified)-1].ToolResults, result)
		return unified
	}

	return append(unified, UnifiedMessage{Role: "user", ToolResults: []ToolResult{result}})
}

// ConvertOpenAIToolsToUnified converts tools to unified format
func ConvertOpenAIToolsToUnified(tools []OpenAITool) []UnifiedTool {
	unified := make([]UnifiedTool, 0, len(tools))
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		unified = append(unified, UnifiedTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	return unified
}

// ExtractImagesFromOpenAIContent pulls inline data: URL images out of an
// OpenAI multi-part content list. Content that isn't a list, or carries no
// image_url parts, yields no images.
func ExtractImagesFromOpenAIContent(content interface{}) []map[string]interface{} {
	parts, ok := content.([]interface{})
	if !ok {
		return nil
	}

	var images []map[string]interface{}
	for _, part := range parts {
		block, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType != "image_url" {
			continue
		}

		imageURL, _ := block["image_url"].(map[string]interface{})
		url, _ := imageURL["url"].(string)
		if len(url) <= 5 || url[:5] != "data:" {
			continue
		}

		header, data, ok := strings.Cut(url, ",")
		if !ok {
			continue
		}
		images = append(images, map[string]interface{}{
			"media_type": mediaTypeFromDataHeader(header),
			"data":       data,
		})
	}

	return images
}

func mediaTypeFromDataHeader(header string) string {
	if len(header) < 5 {
		return "image/jpeg"
	}
	header = header[5:] // strip the "data:" prefix
	if idx := strings.Index(header, ";"); idx != -1 {
		header = header[:idx]
	}
	return header
}

// CreateOpenAIResponse builds a non-streaming chat.completion response.
func CreateOpenAIResponse(id, model string, content string, toolCalls []ToolCall, finishReason string, usage *OpenAIUsage) *OpenAIResponse {
	return &OpenAIResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{
			Index: 0,
			Message: &OpenAIMessage{
				Role:      "assistant",
				Content:   content,
				ToolCalls: toOpenAIToolCalls(toolCalls),
			},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}

func toOpenAIToolCalls(calls []ToolCall) []OpenAIToolCall {
	if len(calls) == 0 {
		return nil
	}

	result := make([]OpenAIToolCall, 0, len(calls))
	for _, tc := range calls {
		result = append(result, OpenAIToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: OpenAIFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return result
}

// ToJSON converts response to JSON
func (r *OpenAIResponse) ToJSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}
