// Package parser provides parsers for AWS Event Stream format and thinking blocks.
package parser

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// ThinkingHandlingMode defines how to handle thinking blocks
type ThinkingHandlingMode string

const (
	ThinkingHandlingAsReasoningContent ThinkingHandlingMode = "as_reasoning_content"
	ThinkingHandlingRemove             ThinkingHandlingMode = "remove"
	ThinkingHandlingPass               ThinkingHandlingMode = "pass"
	ThinkingHandlingStripTags          ThinkingHandlingMode = "strip_tags"
)

// ThinkingParseResult represents the result of parsing thinking content
type ThinkingParseResult struct {
	ThinkingContent      string
	RegularContent       string
	IsFirstThinkingChunk bool
	IsLastThinkingChunk  bool
}

type thinkingState int

const (
	statePreContent thinkingState = iota
	stateInThinking
	stateStreaming
)

// ThinkingParser separates a leading <thinking> (or <think>, <reasoning>,
// <thought>) block from regular content, tolerating arbitrary chunk
// boundaries across Feed calls. It moves through three states:
// PRE_CONTENT (buffering to detect an opening tag), IN_THINKING
// (accumulating thinking text, releasing it cautiously), and STREAMING
// (pass-through once thinking has ended or was never found).
type ThinkingParser struct {
	handlingMode      ThinkingHandlingMode
	openTags          []string
	initialBufferSize int
	maxTagLen         int
	foundThinking     bool

	state             thinkingState
	buffer            string
	thinkingTagOpen   string
	thinkingTagClose  string
	firstThinkingSent bool
}

// NewThinkingParser creates a new thinking parser
func NewThinkingParser(handlingMode ThinkingHandlingMode, openTags []string, initialBufferSize int) *ThinkingParser {
	if len(openTags) == 0 {
		openTags = []string{"<thinking>", "<think>", "<reasoning>", "<thought>"}
	}

	p := &ThinkingParser{
		handlingMode:      handlingMode,
		openTags:          openTags,
		initialBufferSize: initialBufferSize,
		state:             statePreContent,
	}

	for _, tag := range openTags {
		if l := len(tag); l > p.maxTagLen {
			p.maxTagLen = l
		}
		if l := len(p.getCloseTag(tag)); l > p.maxTagLen {
			p.maxTagLen = l
		}
	}

	return p
}

// Feed processes content and returns parsed result
func (p *ThinkingParser) Feed(content string) *ThinkingParseResult {
	result := &ThinkingParseResult{}

	switch p.state {
	case stateStreaming:
		result.RegularContent = content
	case stateInThinking:
		p.feedThinking(content, result)
	default:
		p.buffer += content
		p.checkForThinkingTag(result)
	}

	return result
}

// checkForThinkingTag runs the PRE_CONTENT detection check. Leading
// whitespace is stripped only for the comparison, not from the buffer
// itself, so a flushed non-match keeps its original formatting.
func (p *ThinkingParser) checkForThinkingTag(result *ThinkingParseResult) {
	stripped := strings.TrimLeft(p.buffer, " \t\n\r")

	for _, tag := range p.openTags {
		if strings.HasPrefix(stripped, tag) {
			p.transitionToThinking(tag, stripped[len(tag):], result)
			return
		}
	}

	canGrow := false
	for _, tag := range p.openTags {
		if len(stripped) < len(tag) && strings.HasPrefix(tag, stripped) {
			canGrow = true
			break
		}
	}

	if canGrow && len(p.buffer) < p.initialBufferSize {
		return
	}

	p.flushPreContent(result)
}

func (p *ThinkingParser) transitionToThinking(tag, afterTag string, result *ThinkingParseResult) {
	p.foundThinking = true
	p.thinkingTagOpen = tag
	p.thinkingTagClose = p.getCloseTag(tag)
	p.state = stateInThinking
	p.buffer = ""

	log.Debugf("Found thinking tag: %s", tag)

	if afterTag != "" {
		p.feedThinking(afterTag, result)
	}
}

func (p *ThinkingParser) flushPreContent(result *ThinkingParseResult) {
	if p.buffer != "" {
		result.RegularContent = p.buffer
		p.buffer = ""
	}
	p.state = stateStreaming
}

// feedThinking accumulates into the thinking buffer and releases it
// cautiously: it keeps the last 2*maxTagLen characters back so a close
// tag split across chunk boundaries is never missed.
func (p *ThinkingParser) feedThinking(content string, result *ThinkingParseResult) {
	p.buffer += content

	if idx := strings.Index(p.buffer, p.thinkingTagClose); idx >= 0 {
		thinkingPart := p.buffer[:idx]
		afterClose := p.buffer[idx+len(p.thinkingTagClose):]

		isFirst := !p.firstThinkingSent
		result.ThinkingContent = p.processForOutput(thinkingPart, isFirst, true)
		result.IsFirstThinkingChunk = isFirst
		result.IsLastThinkingChunk = true

		p.buffer = ""
		p.state = stateStreaming

		if trimmed := strings.TrimLeft(afterClose, " \t\n\r"); trimmed != "" {
			result.RegularContent = trimmed
		}

		log.Debug("Thinking block processing completed")
		return
	}

	holdBack := 2 * p.maxTagLen
	if len(p.buffer) <= holdBack {
		return
	}

	releaseLen := len(p.buffer) - holdBack
	toRelease := p.buffer[:releaseLen]
	p.buffer = p.buffer[releaseLen:]

	isFirst := !p.firstThinkingSent
	result.ThinkingContent = p.processForOutput(toRelease, isFirst, false)
	result.IsFirstThinkingChunk = isFirst
	if isFirst {
		p.firstThinkingSent = true
	}
}

func (p *ThinkingParser) getCloseTag(openTag string) string {
	switch openTag {
	case "<thinking>":
		return "</thinking>"
	case "<think>":
		return "</think>"
	case "<reasoning>":
		return "</reasoning>"
	case "<thought>":
		return "</thought>"
	default:
		if strings.HasPrefix(openTag, "<") {
			return "</" + openTag[1:]
		}
		return openTag
	}
}

// processForOutput processes content for output based on handling mode
func (p *ThinkingParser) processForOutput(content string, isFirst, isLast bool) string {
	switch p.handlingMode {
	case ThinkingHandlingRemove:
		return ""
	case ThinkingHandlingPass:
		if isFirst {
			content = p.thinkingTagOpen + content
		}
		if isLast {
			content = content + p.thinkingTagClose
		}
		return content
	case ThinkingHandlingStripTags:
		return content
	case ThinkingHandlingAsReasoningContent:
		fallthrough
	default:
		return content
	}
}

// Finalize flushes any residual buffer once the stream ends.
func (p *ThinkingParser) Finalize() *ThinkingParseResult {
	result := &ThinkingParseResult{}

	switch p.state {
	case statePreContent:
		if p.buffer != "" {
			result.RegularContent = p.buffer
			p.buffer = ""
		}
	case stateInThinking:
		isFirst := !p.firstThinkingSent
		result.ThinkingContent = p.processForOutput(p.buffer, isFirst, true)
		result.IsFirstThinkingChunk = isFirst
		result.IsLastThinkingChunk = true
		p.buffer = ""
		p.state = stateStreaming
	}

	return result
}

// FoundThinkingBlock returns whether a thinking block was found
func (p *ThinkingParser) FoundThinkingBlock() bool {
	return p.foundThinking
}
