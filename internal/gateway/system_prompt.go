package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

const defaultRolePrompt = "You are a helpful assistant embedded in a collaborative workspace. " +
	"You answer questions about the current page and its drive, and you use the " +
	"available tools to read or change pages when the user asks for it."

// maxTreePages caps how much of the workspace tree gets summarized into the
// prompt. Large drives get truncated with a count, not dropped.
const maxTreePages = 50

// promptInput gathers everything the system prompt is composed from.
type promptInput struct {
	Config      *models.PageAgentConfig
	Drive       *models.Drive
	PageContext *models.PageContext
	Tree        []*models.Page
	TreeTotal   int
	ReadOnly    bool
	Now         time.Time
}

// buildSystemPrompt assembles the system prompt for one turn. Sections are
// ordered broadest to narrowest: drive instructions, role, workspace tree,
// page metadata, constraints.
func buildSystemPrompt(in promptInput) string {
	var lines []string

	if in.Config != nil && in.Config.IncludeDrivePrompt && in.Drive != nil {
		if inst := strings.TrimSpace(in.Drive.Instructions); inst != "" {
			lines = append(lines, inst, "")
		}
	}

	role := defaultRolePrompt
	if in.Config != nil {
		if custom := strings.TrimSpace(in.Config.SystemPrompt); custom != "" {
			role = custom
		}
	}
	lines = append(lines, role)

	if !in.Now.IsZero() {
		lines = append(lines, "", fmt.Sprintf("Current time: %s", in.Now.UTC().Format(time.RFC3339)))
	}

	if in.Config != nil && in.Config.IncludePageTree && len(in.Tree) > 0 {
		lines = append(lines, "", treeHeading(in.Config.PageTreeScope))
		for _, page := range in.Tree {
			title := strings.TrimSpace(page.Title)
			if title == "" {
				title = "(untitled)"
			}
			lines = append(lines, fmt.Sprintf("- %s (id: %s)", title, page.ID))
		}
		if in.TreeTotal > len(in.Tree) {
			lines = append(lines, fmt.Sprintf("... and %d more pages", in.TreeTotal-len(in.Tree)))
		}
	}

	if pc := in.PageContext; pc != nil {
		var meta []string
		if pc.Title != "" {
			meta = append(meta, fmt.Sprintf("Current page: %s", pc.Title))
		}
		if pc.Path != "" {
			meta = append(meta, fmt.Sprintf("Path: %s", pc.Path))
		}
		if len(pc.Breadcrumbs) > 0 {
			meta = append(meta, fmt.Sprintf("Location: %s", strings.Join(pc.Breadcrumbs, " > ")))
		}
		if pc.DriveName != "" {
			meta = append(meta, fmt.Sprintf("Drive: %s", pc.DriveName))
		}
		if len(meta) > 0 {
			lines = append(lines, "")
			lines = append(lines, meta...)
		}
	}

	if in.ReadOnly {
		lines = append(lines, "",
			"You have read-only access in this conversation. Do not attempt to create, update, or delete pages.")
	}

	return strings.Join(lines, "\n")
}

func treeHeading(scope models.TreeScope) string {
	if scope == models.TreeScopeDrive {
		return "Pages in this drive:"
	}
	return "Child pages of the current page:"
}

// loadPromptTree fetches the pages summarized into the prompt according to
// the configured scope. Errors degrade to an empty tree; the prompt still
// works without it.
func loadPromptTree(ctx context.Context, store storage.PageStore, cfg *models.PageAgentConfig, page *models.Page) ([]*models.Page, int) {
	if cfg == nil || !cfg.IncludePageTree || page == nil {
		return nil, 0
	}

	parentID := page.ID
	if cfg.PageTreeScope == models.TreeScopeDrive {
		parentID = ""
	}

	tree, err := store.ListPages(ctx, page.DriveID, parentID)
	if err != nil {
		return nil, 0
	}

	total := len(tree)
	if total > maxTreePages {
		tree = tree[:maxTreePages]
	}
	return tree, total
}
