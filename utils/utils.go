// Package utils provides utility functions for Kiro Gateway.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GenerateToolCallID generates a unique tool call ID (OpenAI format)
func GenerateToolCallID() string {
	return "call_" + uuid.New().String()[:24]
}

// GenerateToolUseID generates a unique tool use ID (Anthropic format)
func GenerateToolUseID() string {
	return "toolu_" + uuid.New().String()[:24]
}

// GenerateConversationID generates a unique conversation ID
func GenerateConversationID() string {
	return uuid.New().String()
}

// GetMachineFingerprint returns a unique machine fingerprint
func GetMachineFingerprint() string {
	hostname, _ := os.Hostname()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	data := fmt.Sprintf("%s-%s-%s", hostname, username, runtime.GOOS)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}

// GetKiroHeaders returns headers for Kiro API requests
func GetKiroHeaders(accessToken string) map[string]string {
	return map[string]string{
		"Authorization":     "Bearer " + accessToken,
		"Content-Type":      "application/json",
		"User-Agent":        fmt.Sprintf("KiroGateway-Go/2.3 (%s; %s)", runtime.GOOS, runtime.GOARCH),
		"Accept":            "application/json, text/event-stream",
		"X-Amz-User-Agent":  "KiroGateway-Go/2.3",
	}
}

// ExtractTextContent extracts text from various content formats
func ExtractTextContent(content interface{}) string {
	if content == nil {
		return ""
	}

	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if m["type"] == "text" {
					if text, ok := m["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		return strings.Join(parts, "")
	default:
		return fmt.Sprintf("%v", content)
	}
}

// SanitizeJSONSchema removes fields Kiro's API rejects from a JSON Schema:
// empty "required" arrays and "additionalProperties", at any nesting depth.
// The walk is done with gjson over the marshaled document and the matched
// paths are removed with sjson, rather than hand-rolling a map[string]any
// recursion that has to special-case "properties" and array items itself.
func SanitizeJSONSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return make(map[string]interface{})
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return schema
	}
	doc := string(raw)

	var paths []string
	collectRejectedPaths(gjson.Parse(doc), "", &paths)

	// Longest paths first so a deletion never invalidates a path computed
	// for one of its own descendants.
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })

	for _, p := range paths {
		if cleaned, err := sjson.Delete(doc, p); err == nil {
			doc = cleaned
		}
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return schema
	}
	return result
}

func collectRejectedPaths(v gjson.Result, path string, paths *[]string) {
	switch {
	case v.IsObject():
		v.ForEach(func(key, val gjson.Result) bool {
			k := key.String()
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}

			if k == "additionalProperties" {
				*paths = append(*paths, childPath)
				return true
			}
			if k == "required" && val.IsArray() && len(val.Array()) == 0 {
				*paths = append(*paths, childPath)
				return true
			}

			collectRejectedPaths(val, childPath, paths)
			return true
		})
	case v.IsArray():
		v.ForEach(func(idx, val gjson.Result) bool {
			childPath := fmt.Sprintf("%s.%d", path, idx.Int())
			collectRejectedPaths(val, childPath, paths)
			return true
		})
	}
}

// MustMarshal marshals to JSON or panics
func MustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// MustMarshalIndent marshals to indented JSON or panics
func MustMarshalIndent(v interface{}) []byte {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return b
}

// Contains checks if a string is in a slice
func Contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// MapKeys returns the keys of a map
func MapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
