// Package parser extracts structure from Markdown source documents before
// they reach the model: frontmatter, title, and inline references.
package parser

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkdownDoc is a parsed source document.
type MarkdownDoc struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title extracted from frontmatter or the first h1
	Title string

	// Body content after the frontmatter block
	Content string
}

// ParseMarkdown splits a Markdown document into frontmatter and body.
// A malformed frontmatter block is ignored rather than failing the document.
func ParseMarkdown(content string) (*MarkdownDoc, error) {
	doc := &MarkdownDoc{
		Frontmatter: make(map[string]any),
	}

	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx > 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &doc.Frontmatter); err != nil {
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	doc.Content = remaining
	doc.Title = extractTitle(doc.Frontmatter, remaining)
	return doc, nil
}

// extractTitle gets the title from frontmatter or the first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if name, ok := fm["name"].(string); ok && name != "" {
		return name
	}

	h1Regex := regexp.MustCompile(`(?m)^#\s+(.+)$`)
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// EntityHints collects the names a journal author already linked explicitly:
// [[wiki-links]] and @mentions. They seed entity extraction so the model
// reuses established names instead of inventing variants.
func EntityHints(content string) []string {
	seen := make(map[string]bool)
	var hints []string

	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && !seen[name] {
			seen[name] = true
			hints = append(hints, name)
		}
	}

	linkRegex := regexp.MustCompile(`\[\[([^\]]+)\]\]`)
	for _, match := range linkRegex.FindAllStringSubmatch(content, -1) {
		add(match[1])
	}

	mentionRegex := regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)
	for _, match := range mentionRegex.FindAllStringSubmatch(content, -1) {
		add(match[1])
	}
	return hints
}
