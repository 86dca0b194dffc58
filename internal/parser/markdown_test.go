package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkdownFrontmatter(t *testing.T) {
	doc, err := ParseMarkdown(`---
title: Tuesday Notes
tags:
  - journal
---
Met [[jane-doe]] at the office.`)
	require.NoError(t, err)

	assert.Equal(t, "Tuesday Notes", doc.Title)
	assert.Equal(t, "Met [[jane-doe]] at the office.", doc.Content)
	assert.Equal(t, "Tuesday Notes", doc.Frontmatter["title"])
}

func TestParseMarkdownWithoutFrontmatter(t *testing.T) {
	doc, err := ParseMarkdown("# Morning Pages\n\nSome text.")
	require.NoError(t, err)

	assert.Equal(t, "Morning Pages", doc.Title, "title falls back to the first h1")
	assert.Equal(t, "# Morning Pages\n\nSome text.", doc.Content)
}

func TestParseMarkdownMalformedFrontmatterIgnored(t *testing.T) {
	doc, err := ParseMarkdown("---\n: bad: [yaml\n---\nbody")
	require.NoError(t, err)

	assert.Empty(t, doc.Frontmatter)
	assert.Equal(t, "body", doc.Content)
}

func TestEntityHints(t *testing.T) {
	hints := EntityHints("Talked to [[Jane-Doe]] and @bob about [[acme]]. Later @bob again.")

	assert.Equal(t, []string{"jane-doe", "acme", "bob"}, hints)
}
