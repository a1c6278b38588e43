package valueobjects

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"lumina-backend/domain/config"
	pkgerrors "lumina-backend/pkg/errors"
)

// Option is a single choice on a multiOption node
type Option struct {
	Text     string `json:"text" dynamodbav:"text"`
	Selected bool   `json:"selected" dynamodbav:"selected"`
}

// NodeContent is the editable text of a node plus its choices
type NodeContent struct {
	text    string
	options []Option
}

// NewNodeContent creates content with validation using default configuration
func NewNodeContent(text string, options []Option) (NodeContent, error) {
	return NewNodeContentWithConfig(text, options, config.DefaultDomainConfig())
}

// NewNodeContentWithConfig creates content with validation and configuration
func NewNodeContentWithConfig(text string, options []Option, cfg *config.DomainConfig) (NodeContent, error) {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}

	if utf8.RuneCountInString(text) > cfg.MaxContentLength {
		return NodeContent{}, fmt.Errorf("content exceeds maximum length of %d characters", cfg.MaxContentLength)
	}

	if len(options) > cfg.MaxOptions {
		return NodeContent{}, pkgerrors.NewValidationError(fmt.Sprintf("a node may have at most %d options", cfg.MaxOptions))
	}

	cleaned := make([]Option, 0, len(options))
	for _, o := range options {
		o.Text = strings.TrimSpace(o.Text)
		if o.Text == "" {
			return NodeContent{}, pkgerrors.NewValidationError("option text cannot be empty")
		}
		cleaned = append(cleaned, o)
	}

	return NodeContent{text: text, options: cleaned}, nil
}

// Text returns the node text
func (c NodeContent) Text() string {
	return c.text
}

// Options returns a copy of the choices
func (c NodeContent) Options() []Option {
	out := make([]Option, len(c.options))
	copy(out, c.options)
	return out
}

// WithText returns content with the text replaced and the options kept
func (c NodeContent) WithText(text string) NodeContent {
	return NodeContent{text: text, options: c.Options()}
}

// IsEmpty checks if content is empty
func (c NodeContent) IsEmpty() bool {
	return strings.TrimSpace(c.text) == "" && len(c.options) == 0
}

// Equals checks if two contents are equal
func (c NodeContent) Equals(other NodeContent) bool {
	if c.text != other.text || len(c.options) != len(other.options) {
		return false
	}
	for i := range c.options {
		if c.options[i] != other.options[i] {
			return false
		}
	}
	return true
}

// Summary returns a truncated summary of the content
func (c NodeContent) Summary(maxLength int) string {
	if maxLength <= 0 {
		return ""
	}
	if utf8.RuneCountInString(c.text) <= maxLength {
		return c.text
	}
	runes := []rune(c.text)
	return string(runes[:maxLength-3]) + "..."
}
