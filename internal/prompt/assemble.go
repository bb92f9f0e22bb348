package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
)

var (
	// ErrUnknownTemplateVersion is returned when a version tag has no template.
	ErrUnknownTemplateVersion = errors.New("unknown template version")
	// ErrPromptOverflow is returned when the prompt exceeds MaxChars even with
	// every evidence chunk removed.
	ErrPromptOverflow = errors.New("prompt exceeds maximum length")
)

// #region config
// Config bounds assembly.
type Config struct {
	MaxChars       int    // Max runes of system + user text; 0 disables the bound
	DefaultVersion string // Used when Assemble is called with an empty version
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxChars:       12000,
		DefaultVersion: "v1",
	}
}

// #endregion config

// #region prompt
// Prompt is a fully rendered prompt ready for a provider.
type Prompt struct {
	Version  string
	System   string
	User     string
	Evidence []chunk.Chunk // chunks that made it into the prompt, in rank order
	Dropped  int           // chunks removed to fit MaxChars
}

// Messages returns the prompt as a system + user chat exchange.
func (p Prompt) Messages() []*schema.Message {
	msgs := make([]*schema.Message, 0, 2)
	if p.System != "" {
		msgs = append(msgs, schema.SystemMessage(p.System))
	}
	return append(msgs, schema.UserMessage(p.User))
}

// Len is the prompt length in runes.
func (p Prompt) Len() int {
	return utf8.RuneCountInString(p.System) + utf8.RuneCountInString(p.User)
}

// #endregion prompt

// #region assembler
// Assembler renders templates with query and evidence.
type Assembler struct {
	lib *Library
	cfg Config
}

// NewAssembler creates an Assembler over a loaded template library.
func NewAssembler(lib *Library, cfg Config) *Assembler {
	return &Assembler{lib: lib, cfg: cfg}
}

// Versions lists the template versions this assembler can render.
func (a *Assembler) Versions() []string {
	return a.lib.Versions()
}

// Assemble renders the template for version with query and the ranked evidence.
// When the result is longer than MaxChars the lowest-ranked chunks are dropped
// one at a time until it fits.
func (a *Assembler) Assemble(ctx context.Context, query string, evidence []chunk.Chunk, version string) (Prompt, error) {
	if version == "" {
		version = a.cfg.DefaultVersion
	}
	t, err := a.lib.Get(version)
	if err != nil {
		return Prompt{}, err
	}

	tpl := einoprompt.FromMessages(schema.FString,
		schema.SystemMessage(t.SystemPrompt),
		schema.UserMessage(t.UserTemplate),
	)

	for n := len(evidence); n >= 0; n-- {
		p, err := render(ctx, tpl, t.Version, query, evidence[:n])
		if err != nil {
			return Prompt{}, err
		}
		if a.cfg.MaxChars <= 0 || p.Len() <= a.cfg.MaxChars {
			p.Dropped = len(evidence) - n
			return p, nil
		}
	}
	return Prompt{}, fmt.Errorf("%w: template %s with no evidence exceeds %d chars", ErrPromptOverflow, t.Version, a.cfg.MaxChars)
}

func render(ctx context.Context, tpl einoprompt.ChatTemplate, version, query string, evidence []chunk.Chunk) (Prompt, error) {
	msgs, err := tpl.Format(ctx, map[string]any{
		"query":    query,
		"evidence": FormatEvidence(evidence),
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("render template %s: %w", version, err)
	}
	p := Prompt{Version: version, Evidence: evidence}
	for _, m := range msgs {
		switch m.Role {
		case schema.System:
			p.System = m.Content
		case schema.User:
			p.User = m.Content
		}
	}
	return p, nil
}

// #endregion assembler

// #region evidence
// FormatEvidence tags each chunk with its 1-based rank and source so answers
// can cite it as [Source N].
func FormatEvidence(chunks []chunk.Chunk) string {
	if len(chunks) == 0 {
		return "(no sources retrieved)"
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		var b strings.Builder
		fmt.Fprintf(&b, "[Source %d: %s | %s]\n", i+1, orUnknown(c.Source), orUnknown(c.Title))
		if c.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", c.URL)
		}
		b.WriteString(c.Text)
		parts[i] = b.String()
	}
	return strings.Join(parts, "\n\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// #endregion evidence
