package notion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func richText(content string) []any {
	return []any{
		map[string]any{
			"type": "text",
			"text": map[string]any{"content": content},
		},
	}
}

func TestExtractText(t *testing.T) {
	page := map[string]any{
		"properties": map[string]any{
			"Name": map[string]any{
				"type":  "title",
				"title": richText("Weekly Notes"),
			},
			"Status": map[string]any{
				"type":   "select",
				"select": map[string]any{"name": "done"},
			},
		},
	}
	blocks := []any{
		map[string]any{
			"type":      "paragraph",
			"paragraph": map[string]any{"rich_text": richText("First paragraph.")},
		},
		map[string]any{
			"type":      "heading_1",
			"heading_1": map[string]any{"rich_text": richText("A heading")},
		},
		map[string]any{
			// Blocks without rich text contribute nothing.
			"type":  "image",
			"image": map[string]any{"external": map[string]any{"url": "https://example.com/x.png"}},
		},
	}

	text := ExtractText(page, blocks)
	assert.Equal(t, "Weekly Notes First paragraph. A heading", text)
}

func TestExtractText_UntitledPage(t *testing.T) {
	text := ExtractText(map[string]any{}, nil)
	assert.Equal(t, "Untitled", text)
}

func TestExtractText_MultiPartTitle(t *testing.T) {
	page := map[string]any{
		"properties": map[string]any{
			"title": map[string]any{
				"type": "title",
				"title": []any{
					map[string]any{"type": "text", "text": map[string]any{"content": "Part one "}},
					map[string]any{"type": "text", "text": map[string]any{"content": "and two"}},
					map[string]any{"type": "mention", "mention": map[string]any{}},
				},
			},
		},
	}

	text := ExtractText(page, nil)
	assert.Equal(t, "Part one and two", text)
}

func TestBuildContent(t *testing.T) {
	page := map[string]any{"id": "page-1"}
	blocks := []any{map[string]any{"type": "paragraph"}}

	content := BuildContent("page-1", page, blocks)

	assert.Equal(t, page, content["notion_page"])
	assert.Equal(t, blocks, content["notion_blocks"])
	assert.Equal(t, "notion", content["source"])

	meta, ok := content["import_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "page-1", meta["page_id"])
	assert.Equal(t, 1, meta["block_count"])
}
