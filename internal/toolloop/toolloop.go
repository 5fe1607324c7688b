// Package toolloop drives a single bounded LLM↔tool-call conversation:
// send the conversation, execute any requested tools, append the
// results, and repeat until the model produces a final answer or one
// of the loop's hard bounds trips. It has no notion of channels,
// watchers, or delegation — those are the autonomous loop's and the
// orchestrator's job, both of which embed a *Loop per turn.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvidwatch/sentinel/internal/llm"
)

const (
	// MaxIterations caps LLM round-trips per invocation.
	MaxIterations = 10
	// WallClock is the hard overall timeout per invocation.
	WallClock = 300 * time.Second
	// MaxToolOutputBytes truncates a single tool result before it is
	// inserted into the next turn.
	MaxToolOutputBytes = 100 * 1024

	truncationMarker = "\n\n[... output truncated ...]"
)

// Errors returned by Run. Callers branch on these with errors.Is.
var (
	ErrTimeout                = errors.New("toolloop: wall clock timeout exceeded")
	ErrIterationCap           = errors.New("toolloop: iteration cap exceeded")
	ErrInconsistentStopReason = errors.New("toolloop: stop_reason claimed tool_use but zero tool calls were produced")
	ErrEmptyFinalText         = errors.New("toolloop: final assistant turn produced no text")
)

// TerminalStopError wraps any stop_reason the loop treats as a terminal
// failure (anything other than end_turn/unknown/tool_use — chiefly
// max_tokens).
type TerminalStopError struct {
	Reason llm.StopReason
}

func (e *TerminalStopError) Error() string {
	return fmt.Sprintf("toolloop: terminal stop_reason %q", e.Reason)
}

// Provider is the minimal chat-completion surface the loop drives. The
// concrete implementation (Anthropic, Ollama, a MultiClient router) is
// supplied by the caller.
type Provider interface {
	Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error)
}

// ToolExecutor is the narrow interface the loop needs from a tool
// registry: run one call by name (arguments as a JSON object string,
// matching the registry's own Execute signature), and enumerate
// schemas to hand the provider. *tools.Registry and its FilteredCopy,
// and the orchestrator package's unexported filteredExecutor, all
// satisfy this.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, argsJSON string) (string, error)
	List() []map[string]any
}

// Usage accumulates per-invocation accounting. The loop emits one of
// these per Run call, never per iteration.
type Usage struct {
	InputTokens  int
	OutputTokens int
	APICalls     int
	ToolCalls    []string
}

// Result is returned by a Run that reaches a final answer.
type Result struct {
	Text       string
	Usage      Usage
	Iterations int
}

// Loop drives one bounded tool-use conversation against a Provider.
type Loop struct {
	provider Provider
	model    string
	logger   *slog.Logger
}

// New creates a tool-use loop bound to a provider and model. logger may
// be nil, in which case slog.Default() is used.
func New(provider Provider, model string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{provider: provider, model: model, logger: logger.With("component", "toolloop")}
}

// Run drives the conversation to completion. messages is the full
// starting conversation (system prompt plus the new user turn,
// constructed by the caller); executor supplies and runs the tools.
// Run never returns partial text: on any error the text is empty.
func (l *Loop) Run(ctx context.Context, messages []llm.Message, executor ToolExecutor) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, WallClock)
	defer cancel()

	conversation := append([]llm.Message(nil), messages...)
	tools := executor.List()

	var usage Usage

	for iter := 1; iter <= MaxIterations; iter++ {
		resp, err := l.provider.Chat(ctx, l.model, conversation, tools)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("provider chat: %w", err)
		}

		usage.InputTokens += resp.InputTokens
		usage.OutputTokens += resp.OutputTokens
		usage.APICalls++

		conversation = append(conversation, resp.Message)

		switch resp.StopReason {
		case llm.StopToolUse:
			if len(resp.Message.ToolCalls) == 0 {
				return nil, ErrInconsistentStopReason
			}
			for _, tc := range resp.Message.ToolCalls {
				usage.ToolCalls = append(usage.ToolCalls, tc.Function.Name)

				argsJSON, marshalErr := json.Marshal(tc.Function.Arguments)
				if marshalErr != nil {
					argsJSON = []byte("{}")
				}
				out, toolErr := executor.Execute(ctx, tc.Function.Name, string(argsJSON))
				if toolErr != nil {
					out = "Error: " + toolErr.Error()
				}
				out = truncate(out, MaxToolOutputBytes)

				conversation = append(conversation, llm.Message{
					Role:       "tool",
					Content:    out,
					ToolCallID: tc.ID,
				})
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			continue

		case llm.StopEndTurn, llm.StopUnknown:
			text := strings.TrimSpace(resp.Message.Content)
			if text == "" {
				return nil, ErrEmptyFinalText
			}
			return &Result{Text: text, Usage: usage, Iterations: iter}, nil

		default:
			return nil, &TerminalStopError{Reason: resp.StopReason}
		}
	}

	return nil, ErrIterationCap
}

// truncate cuts s to at most maxBytes bytes at a rune boundary and
// appends a truncation marker. maxBytes itself is character-count
// defined per spec, but we cut on byte length as a safe proxy and then
// back up to a valid UTF-8 boundary so we never split a multi-byte rune.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
