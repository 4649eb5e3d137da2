package team

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// Line is one line of a shared scratchpad document, with attribution.
type Line struct {
	Content        string `json:"content"`
	LastModifiedBy string `json:"last_modified_by"`
	Timestamp      int64  `json:"timestamp"`
}

// ScratchpadService holds named line-oriented documents members edit
// together. Edits address inclusive line ranges; every line remembers who
// touched it last.
type ScratchpadService struct {
	logger *logger.Logger

	mu   sync.Mutex
	docs map[string][]Line
}

// NewScratchpadService creates an empty scratchpad.
func NewScratchpadService(log *logger.Logger) *ScratchpadService {
	return &ScratchpadService{
		logger: log.WithFields(zap.String("component", "team_scratchpad")),
		docs:   make(map[string][]Line),
	}
}

// Name returns the tool name members address.
func (s *ScratchpadService) Name() string {
	return "scratchpad"
}

// Handle dispatches a scratchpad action from a team_service envelope.
func (s *ScratchpadService) Handle(ctx context.Context, action envelope.Action, msg *envelope.Envelope) (any, error) {
	name := stringParam(action.Parameters, "name")

	switch action.ActionName {
	case "create":
		content := stringParam(action.Parameters, "content")
		if err := s.Create(name, content, msg.Source); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "created": true}, nil

	case "get":
		lines, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "lines": lines, "content": joinLines(lines)}, nil

	case "edit_lines":
		start, ok1 := intParam(action.Parameters, "start")
		end, ok2 := intParam(action.Parameters, "end")
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("edit_lines requires integer start and end")
		}
		content := stringParam(action.Parameters, "content")
		if err := s.EditLines(name, start, end, content, msg.Source); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "edited": true}, nil

	case "delete":
		if err := s.Delete(name); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "deleted": true}, nil

	default:
		return nil, fmt.Errorf("unknown scratchpad action %q", action.ActionName)
	}
}

// Create makes a new document from the given content. Creating over an
// existing name fails.
func (s *ScratchpadService) Create(name, content, author string) error {
	if name == "" {
		return fmt.Errorf("document name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[name]; exists {
		return fmt.Errorf("document %q already exists", name)
	}
	s.docs[name] = splitLines(content, author)
	s.logger.Info("Scratchpad document created",
		zap.String("name", name),
		zap.String("author", author))
	return nil
}

// Get returns a copy of the document's lines.
func (s *ScratchpadService) Get(name string) ([]Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, ok := s.docs[name]
	if !ok {
		return nil, fmt.Errorf("document %q does not exist", name)
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out, nil
}

// EditLines replaces the inclusive 1-based line range [start, end] with the
// given content. The replacement may have a different number of lines.
func (s *ScratchpadService) EditLines(name string, start, end int, content, author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, ok := s.docs[name]
	if !ok {
		return fmt.Errorf("document %q does not exist", name)
	}
	if start < 1 || end < start || end > len(lines) {
		return fmt.Errorf("line range %d..%d out of bounds for %d lines", start, end, len(lines))
	}

	replacement := splitLines(content, author)
	updated := make([]Line, 0, len(lines)-(end-start+1)+len(replacement))
	updated = append(updated, lines[:start-1]...)
	updated = append(updated, replacement...)
	updated = append(updated, lines[end:]...)
	s.docs[name] = updated

	s.logger.Debug("Scratchpad lines edited",
		zap.String("name", name),
		zap.Int("start", start),
		zap.Int("end", end),
		zap.String("author", author))
	return nil
}

// Delete removes a document.
func (s *ScratchpadService) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[name]; !ok {
		return fmt.Errorf("document %q does not exist", name)
	}
	delete(s.docs, name)
	return nil
}

func splitLines(content, author string) []Line {
	if content == "" {
		return nil
	}
	now := time.Now().Unix()
	raw := strings.Split(content, "\n")
	lines := make([]Line, len(raw))
	for i, text := range raw {
		lines[i] = Line{Content: text, LastModifiedBy: author, Timestamp: now}
	}
	return lines
}

func joinLines(lines []Line) string {
	parts := make([]string, len(lines))
	for i, line := range lines {
		parts[i] = line.Content
	}
	return strings.Join(parts, "\n")
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
