// Package visualization renders a workflow's IR as a Mermaid flowchart
// diagram, for the control plane's diagram endpoint and for documentation.
package visualization

import (
	"github.com/kuro6061/nexum/internal/domain/model"
)

// Renderer is the interface for rendering an IR in different formats.
type Renderer interface {
	// Render converts an IR into the target format.
	Render(ir *model.IR, opts *RenderOptions) (string, error)

	// Format returns the format identifier (e.g., "mermaid").
	Format() string
}

// RenderOptions configures how an IR is rendered.
type RenderOptions struct {
	// ShowRouteConditions controls whether ROUTER route conditions are
	// displayed on their edges.
	ShowRouteConditions bool

	// Direction sets the diagram flow direction. Valid values: "TB"
	// (top-bottom), "LR" (left-right), "RL" (right-left), "BT" (bottom-top).
	Direction string
}

// DefaultRenderOptions returns the default rendering options.
func DefaultRenderOptions() *RenderOptions {
	return &RenderOptions{
		ShowRouteConditions: true,
		Direction:           "TB",
	}
}
