// Package policy reduces the full tool catalog to the subset a page's agent
// may use. One filter function covers both the explicit allow-list model and
// the legacy role-derived model, selected by mode.
package policy

import (
	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/pkg/models"
)

// Mode selects how the filter interprets the page configuration.
type Mode string

const (
	// ModeAllowList grants exactly the tools named in the enabled list.
	// An empty or missing list grants nothing.
	ModeAllowList Mode = "allow_list"

	// ModeRole grants tools by the caller's role on the page. Kept for
	// pages configured before per-tool allow-lists existed.
	ModeRole Mode = "role"
)

// Role identifies the caller's capability level on a page in role mode.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

// Rules is the full filter input. Zero value grants nothing.
type Rules struct {
	Mode     Mode
	Enabled  []string
	Role     Role
	ReadOnly bool
}

// FromConfig derives allow-list rules from a page's agent configuration.
func FromConfig(cfg *models.PageAgentConfig, readOnly bool) Rules {
	rules := Rules{Mode: ModeAllowList, ReadOnly: readOnly}
	if cfg != nil {
		rules.Enabled = cfg.EnabledTools
	}
	return rules
}

// Filter returns the allowed subset of catalog under rules. The filter is
// pure: the catalog is never modified, and filtering an already filtered
// map returns the same set.
func Filter(catalog map[string]agent.Tool, rules Rules) map[string]agent.Tool {
	allowed := make(map[string]agent.Tool)

	switch rules.Mode {
	case ModeRole:
		for name, tool := range catalog {
			if roleGrants(rules.Role, tool) {
				allowed[name] = tool
			}
		}
	default:
		// Allow-list mode. No list means no tools.
		if len(rules.Enabled) == 0 {
			return allowed
		}
		enabled := make(map[string]bool, len(rules.Enabled))
		for _, name := range rules.Enabled {
			enabled[name] = true
		}
		for name, tool := range catalog {
			if enabled[name] {
				allowed[name] = tool
			}
		}
	}

	if rules.ReadOnly {
		for name, tool := range allowed {
			if agent.IsMutating(tool) {
				delete(allowed, name)
			}
		}
	}
	return allowed
}

// roleGrants reports whether a role may use a tool. Editors get everything,
// viewers only non-mutating tools. Unknown roles get nothing.
func roleGrants(role Role, tool agent.Tool) bool {
	switch role {
	case RoleEditor:
		return true
	case RoleViewer:
		return !agent.IsMutating(tool)
	}
	return false
}
