// Package pages implements the built-in page tools the chat agent can call:
// read, list, and search as read-only tools, plus create, update, and delete
// as mutating tools subject to the permission filter.
package pages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/pkg/models"
)

// Store is the page persistence surface the tools operate on.
type Store interface {
	GetPage(ctx context.Context, id string) (*models.Page, error)
	ListPages(ctx context.Context, driveID, parentID string) ([]*models.Page, error)
	SearchPages(ctx context.Context, driveID, query string) ([]*models.Page, error)
	CreatePage(ctx context.Context, page *models.Page) error
	UpdatePage(ctx context.Context, page *models.Page) error
	DeletePage(ctx context.Context, id string) error
}

// Catalog returns every built-in page tool keyed by name, scoped to one
// drive. The permission filter decides which of these a given page's agent
// may actually use.
func Catalog(store Store, driveID string) map[string]agent.Tool {
	tools := []agent.Tool{
		&ReadPageTool{store: store},
		&ListPagesTool{store: store, driveID: driveID},
		&SearchPagesTool{store: store, driveID: driveID},
		&CreatePageTool{store: store, driveID: driveID},
		&UpdatePageTool{store: store},
		&DeletePageTool{store: store},
	}
	catalog := make(map[string]agent.Tool, len(tools))
	for _, t := range tools {
		catalog[t.Name()] = t
	}
	return catalog
}

// ReadPageTool returns a page's title and content by id.
type ReadPageTool struct {
	store Store
}

func (t *ReadPageTool) Name() string { return "read_page" }

func (t *ReadPageTool) Description() string {
	return "Read a page's title and content by its id."
}

func (t *ReadPageTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pageId": map[string]interface{}{
				"type":        "string",
				"description": "Identifier of the page to read.",
			},
		},
		"required": []string{"pageId"},
	})
}

func (t *ReadPageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		PageID string `json:"pageId"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.PageID) == "" {
		return toolError("pageId is required"), nil
	}

	page, err := t.store.GetPage(ctx, input.PageID)
	if err != nil {
		return toolError(fmt.Sprintf("read page: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"id":      page.ID,
		"title":   page.Title,
		"content": page.Content,
	}), nil
}

// ListPagesTool lists pages in the drive, optionally below a parent.
type ListPagesTool struct {
	store   Store
	driveID string
}

func (t *ListPagesTool) Name() string { return "list_pages" }

func (t *ListPagesTool) Description() string {
	return "List pages in the current drive, optionally scoped to a parent page."
}

func (t *ListPagesTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"parentId": map[string]interface{}{
				"type":        "string",
				"description": "Only list pages directly under this parent.",
			},
		},
	})
}

func (t *ListPagesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		ParentID string `json:"parentId"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	pages, err := t.store.ListPages(ctx, t.driveID, input.ParentID)
	if err != nil {
		return toolError(fmt.Sprintf("list pages: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"pages": pageSummaries(pages),
	}), nil
}

// SearchPagesTool searches page titles and content within the drive.
type SearchPagesTool struct {
	store   Store
	driveID string
}

func (t *SearchPagesTool) Name() string { return "search_pages" }

func (t *SearchPagesTool) Description() string {
	return "Search page titles and content in the current drive."
}

func (t *SearchPagesTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search text.",
			},
		},
		"required": []string{"query"},
	})
}

func (t *SearchPagesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return toolError("query is required"), nil
	}

	pages, err := t.store.SearchPages(ctx, t.driveID, input.Query)
	if err != nil {
		return toolError(fmt.Sprintf("search pages: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"results": pageSummaries(pages),
	}), nil
}

// CreatePageTool creates a page in the drive.
type CreatePageTool struct {
	store   Store
	driveID string
}

func (t *CreatePageTool) Name() string { return "create_page" }

func (t *CreatePageTool) Description() string {
	return "Create a new page in the current drive."
}

func (t *CreatePageTool) Mutating() bool { return true }

func (t *CreatePageTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Title of the new page.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Initial page content.",
			},
			"parentId": map[string]interface{}{
				"type":        "string",
				"description": "Optional parent page id.",
			},
		},
		"required": []string{"title"},
	})
}

func (t *CreatePageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Title    string `json:"title"`
		Content  string `json:"content"`
		ParentID string `json:"parentId"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Title) == "" {
		return toolError("title is required"), nil
	}

	page := &models.Page{
		DriveID:  t.driveID,
		ParentID: input.ParentID,
		Title:    input.Title,
		Content:  input.Content,
	}
	if err := t.store.CreatePage(ctx, page); err != nil {
		return toolError(fmt.Sprintf("create page: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"id":    page.ID,
		"title": page.Title,
	}), nil
}

// UpdatePageTool rewrites a page's title or content.
type UpdatePageTool struct {
	store Store
}

func (t *UpdatePageTool) Name() string { return "update_page" }

func (t *UpdatePageTool) Description() string {
	return "Update an existing page's title or content."
}

func (t *UpdatePageTool) Mutating() bool { return true }

func (t *UpdatePageTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pageId": map[string]interface{}{
				"type":        "string",
				"description": "Identifier of the page to update.",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "New title. Unchanged when omitted.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "New content. Unchanged when omitted.",
			},
		},
		"required": []string{"pageId"},
	})
}

func (t *UpdatePageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		PageID  string  `json:"pageId"`
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.PageID) == "" {
		return toolError("pageId is required"), nil
	}
	if input.Title == nil && input.Content == nil {
		return toolError("nothing to update: provide title or content"), nil
	}

	page, err := t.store.GetPage(ctx, input.PageID)
	if err != nil {
		return toolError(fmt.Sprintf("update page: %v", err)), nil
	}
	if input.Title != nil {
		page.Title = *input.Title
	}
	if input.Content != nil {
		page.Content = *input.Content
	}
	if err := t.store.UpdatePage(ctx, page); err != nil {
		return toolError(fmt.Sprintf("update page: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"id":     page.ID,
		"title":  page.Title,
		"status": "updated",
	}), nil
}

// DeletePageTool deletes a page by id.
type DeletePageTool struct {
	store Store
}

func (t *DeletePageTool) Name() string { return "delete_page" }

func (t *DeletePageTool) Description() string {
	return "Delete a page by its id."
}

func (t *DeletePageTool) Mutating() bool { return true }

func (t *DeletePageTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pageId": map[string]interface{}{
				"type":        "string",
				"description": "Identifier of the page to delete.",
			},
		},
		"required": []string{"pageId"},
	})
}

func (t *DeletePageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		PageID string `json:"pageId"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.PageID) == "" {
		return toolError("pageId is required"), nil
	}

	if err := t.store.DeletePage(ctx, input.PageID); err != nil {
		return toolError(fmt.Sprintf("delete page: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"id":     input.PageID,
		"status": "deleted",
	}), nil
}

func pageSummaries(pages []*models.Page) []map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(pages))
	for _, p := range pages {
		items = append(items, map[string]interface{}{
			"id":       p.ID,
			"title":    p.Title,
			"parentId": p.ParentID,
		})
	}
	return items
}

func marshalSchema(schema map[string]interface{}) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func jsonResult(payload map[string]interface{}) *agent.ToolResult {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &agent.ToolResult{Content: string(encoded)}
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
