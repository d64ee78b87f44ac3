// Package api provides HTTP routes for Kiro Gateway.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kiro-gateway/auth"
	"kiro-gateway/client"
	"kiro-gateway/config"
	"kiro-gateway/converter"
	"kiro-gateway/model"
	"kiro-gateway/parser"
	"kiro-gateway/stream"
	"kiro-gateway/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server holds the API server dependencies
type Server struct {
	Cfg           *config.Config
	AuthManager   *auth.Manager
	HttpClient    *client.Client
	ModelCache    *model.Cache
	ModelResolver *model.Resolver
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, authManager *auth.Manager) *Server {
	httpClient := client.NewClient(cfg, authManager)
	modelCache := model.NewCache(cfg)
	modelResolver := model.NewResolver(modelCache, cfg)

	return &Server{
		Cfg:           cfg,
		AuthManager:   authManager,
		HttpClient:    httpClient,
		ModelCache:    modelCache,
		ModelResolver: modelResolver,
	}
}

// SetupRoutes sets up all API routes
func (s *Server) SetupRoutes(r *gin.Engine) {
	// Health check
	r.GET("/", s.HealthHandler)
	r.GET("/health", s.HealthHandler)

	// OpenAI-compatible routes
	v1 := r.Group("/v1")
	v1.Use(s.AuthMiddleware())
	{
		v1.GET("/models", s.ListModelsHandler)
		v1.POST("/chat/completions", s.ChatCompletionsHandler)
	}
}

// AuthMiddleware validates API key
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip auth for health endpoints
		if c.Request.URL.Path == "/" || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		// Get authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Missing Authorization header",
					"type":    "invalid_request_error",
				},
			})
			c.Abort()
			return
		}

		// Extract API key
		var apiKey string
		if strings.HasPrefix(authHeader, "Bearer ") {
			apiKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			apiKey = authHeader
		}

		// Validate API key
		if apiKey != s.Cfg.ProxyAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Invalid API key",
					"type":    "invalid_request_error",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.AppVersion,
	})
}

// ListModelsHandler handles GET /v1/models
func (s *Server) ListModelsHandler(c *gin.Context) {
	if err := s.ModelCache.RefreshIfStale(s.FetchModelsFromKiro); err != nil {
		log.Warnf("Model cache refresh failed, serving stale list: %v", err)
	}

	models := s.ModelResolver.GetAvailableModels()
	response := stream.CreateOpenAIModelsResponse(models)
	c.JSON(http.StatusOK, response)
}

// FetchModelsFromKiro calls ListAvailableModels on the q.{region} host
// with the unary retry policy, the same one used for chat completions.
func (s *Server) FetchModelsFromKiro() ([]model.Info, error) {
	url := fmt.Sprintf("%s/ListAvailableModels?origin=AI_EDITOR", s.AuthManager.QHost())
	if s.AuthManager.ProfileArn() != "" {
		url += "&profileArn=" + s.AuthManager.ProfileArn()
	}

	resp, err := s.HttpClient.Get(context.Background(), url)
	if err != nil {
		return nil, fmt.Errorf("model list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list request returned status %d", resp.StatusCode)
	}

	var result struct {
		Models []model.Info `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}

	return result.Models, nil
}

// ChatCompletionsHandler handles POST /v1/chat/completions
func (s *Server) ChatCompletionsHandler(c *gin.Context) {
	var req converter.OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Invalid request: %v", err),
				"type":    "invalid_request_error",
			},
		})
		return
	}

	// Resolve model
	resolution := s.ModelResolver.Resolve(req.Model)
	log.Debugf("Model resolution: %s -> %s (source: %s)", req.Model, resolution.InternalID, resolution.Source)

	// Convert messages to unified format
	unifiedMessages, systemPrompt := converter.ConvertOpenAIToUnified(req.Messages)

	// Convert tools to unified format
	var unifiedTools []converter.UnifiedTool
	if len(req.Tools) > 0 {
		unifiedTools = converter.ConvertOpenAIToolsToUnified(req.Tools)
	}

	// Generate conversation ID
	conversationID := utils.GenerateConversationID()

	// Build Kiro payload
	payload := converter.BuildKiroPayload(
		unifiedMessages,
		systemPrompt,
		resolution.InternalID,
		unifiedTools,
		conversationID,
		s.AuthManager.ProfileArn(),
		s.Cfg,
	)

	if payload == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "Failed to build request payload",
				"type":    "internal_error",
			},
		})
		return
	}

	// Build URL
	apiURL := fmt.Sprintf("%s/generateAssistantResponse", s.AuthManager.APIHost())

	// Handle streaming vs non-streaming
	if req.Stream {
		s.handleStreamingChatCompletion(c, apiURL, payload, req.Model, conversationID)
	} else {
		s.handleNonStreamingChatCompletion(c, apiURL, payload, req.Model, conversationID)
	}
}

func (s *Server) handleStreamingChatCompletion(c *gin.Context, apiURL string, payload *converter.KiroPayload, model, conversationID string) {
	// Make request
	ctx := context.Background()
	resp, err := s.HttpClient.PostStream(ctx, apiURL, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Request failed: %v", err),
				"type":    "internal_error",
			},
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.JSON(resp.StatusCode, gin.H{
			"error": gin.H{
				"message": string(body),
				"type":    "api_error",
			},
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	// Stream response
	events := stream.StreamToOpenAI(resp, model, conversationID, s.Cfg.FirstTokenTimeout, true, s.Cfg)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "Streaming not supported",
				"type":    "internal_error",
			},
		})
		return
	}

	for event := range events {
		c.Writer.WriteString(event)
		flusher.Flush()
	}

	// Send [DONE] marker
	c.Writer.WriteString("data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleNonStreamingChatCompletion(c *gin.Context, apiURL string, payload *converter.KiroPayload, model, conversationID string) {
	ctx := context.Background()
	resp, err := s.HttpClient.PostStream(ctx, apiURL, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Request failed: %v", err),
				"type":    "internal_error",
			},
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.JSON(resp.StatusCode, gin.H{
			"error": gin.H{
				"message": string(body),
				"type":    "api_error",
			},
		})
		return
	}

	// Collect stream result
	result, err := stream.CollectStreamResult(resp, s.Cfg.FirstTokenTimeout, true, s.Cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Stream processing failed: %v", err),
				"type":    "internal_error",
			},
		})
		return
	}

	// Calculate token usage
	completionTokens := len(result.Content) / 4 // Rough estimate
	promptTokens, totalTokens, _, _ := stream.CalculateTokensFromContextUsage(
		result.ContextUsagePercentage,
		completionTokens,
		s.ModelCache,
		model,
	)

	// Build response
	response := converter.CreateOpenAIResponse(
		conversationID,
		model,
		result.Content,
		convertParserToolCalls(result.ToolCalls),
		"stop",
		&converter.OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
	)

	c.JSON(http.StatusOK, response)
}

// convertParserToolCalls converts parser.ToolCall to converter.ToolCall
func convertParserToolCalls(calls []parser.ToolCall) []converter.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	result := make([]converter.ToolCall, len(calls))
	for i, tc := range calls {
		result[i] = converter.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return result
}
