package models

import "time"

// TreeScope selects how much of the workspace tree is summarized into the
// system prompt.
type TreeScope string

const (
	TreeScopeChildren TreeScope = "children"
	TreeScopeDrive    TreeScope = "drive"
)

// Page is a document that carries its own AI conversation.
type Page struct {
	ID        string    `json:"id"`
	DriveID   string    `json:"drive_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PageAgentConfig is the per-page AI configuration.
//
// EnabledTools is an explicit allow-list: nil or empty grants no tools. It is
// read by the chat pipeline at request start and written only through the
// settings endpoint.
type PageAgentConfig struct {
	PageID             string    `json:"page_id"`
	SystemPrompt       string    `json:"system_prompt,omitempty"` // empty means default role prompt
	EnabledTools       []string  `json:"enabled_tools,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	Model              string    `json:"model,omitempty"`
	DriveID            string    `json:"drive_id"`
	IncludeDrivePrompt bool      `json:"include_drive_prompt"`
	IncludePageTree    bool      `json:"include_page_tree"`
	PageTreeScope      TreeScope `json:"page_tree_scope,omitempty"`
}

// Drive is a workspace grouping pages, optionally carrying instructions
// prepended to every page prompt within it.
type Drive struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions,omitempty"`
}

// PageContext is caller-supplied metadata about the page being chatted on.
// It decorates the system prompt only and is never persisted.
type PageContext struct {
	Title       string   `json:"title,omitempty"`
	Path        string   `json:"path,omitempty"`
	Breadcrumbs []string `json:"breadcrumbs,omitempty"`
	DriveID     string   `json:"drive_id,omitempty"`
	DriveName   string   `json:"drive_name,omitempty"`
}
