package visualization

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kuro6061/nexum/internal/domain/model"
)

// MermaidRenderer renders an IR as a Mermaid flowchart diagram.
type MermaidRenderer struct{}

// NewMermaidRenderer creates a new Mermaid renderer.
func NewMermaidRenderer() *MermaidRenderer {
	return &MermaidRenderer{}
}

// Format returns the format identifier.
func (r *MermaidRenderer) Format() string {
	return "mermaid"
}

// Render converts an IR into Mermaid flowchart syntax. Dependency edges
// (COMPUTE/EFFECT/REDUCE/MAP/TIMER/HUMAN_APPROVAL/SUBWORKFLOW) are drawn
// dependency -> node; ROUTER routes are drawn router -> target, labeled
// with the route condition when present.
func (r *MermaidRenderer) Render(ir *model.IR, opts *RenderOptions) (string, error) {
	if ir == nil {
		return "", fmt.Errorf("ir is nil")
	}
	if opts == nil {
		opts = DefaultRenderOptions()
	}

	nodeIDs := make([]string, 0, len(ir.Nodes))
	for id := range ir.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var sb strings.Builder
	sb.WriteString("flowchart ")
	sb.WriteString(opts.Direction)
	sb.WriteString("\n")

	for _, id := range nodeIDs {
		sb.WriteString("    ")
		sb.WriteString(r.renderNode(id, ir.Nodes[id]))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	for _, id := range nodeIDs {
		def := ir.Nodes[id]
		for _, depID := range def.Dependencies {
			sb.WriteString("    ")
			sb.WriteString(fmt.Sprintf("%s --> %s\n", depID, id))
		}
		if def.Type == model.NodeTypeRouter {
			for _, route := range def.Routes {
				sb.WriteString("    ")
				sb.WriteString(r.renderRoute(id, route, opts))
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString(r.renderNodeStyles())
	sb.WriteString("\n")
	sb.WriteString(r.applyNodeClasses(nodeIDs, ir))

	return sb.String(), nil
}

func (r *MermaidRenderer) renderNode(id string, def model.NodeDef) string {
	label := r.buildNodeLabel(id, def)

	switch def.Type {
	case model.NodeTypeRouter:
		return fmt.Sprintf(`%s{"%s"}`, id, label)
	case model.NodeTypeMap:
		return fmt.Sprintf(`%s{{"%s"}}`, id, label)
	case model.NodeTypeMapSubtask:
		return fmt.Sprintf(`%s[/"%s"/]`, id, label)
	case model.NodeTypeHumanApproval:
		return fmt.Sprintf(`%s(["%s"])`, id, label)
	case model.NodeTypeSubworkflow:
		return fmt.Sprintf(`%s[["%s"]]`, id, label)
	default:
		return fmt.Sprintf(`%s["%s"]`, id, label)
	}
}

func (r *MermaidRenderer) buildNodeLabel(id string, def model.NodeDef) string {
	label := fmt.Sprintf("%s: %s", def.Type, id)
	if def.Type == model.NodeTypeTimer && def.DelaySeconds > 0 {
		label += fmt.Sprintf("<br/>%ds delay", def.DelaySeconds)
	}
	if def.Type == model.NodeTypeReduce && def.ReduceExpr != "" {
		label += "<br/>" + r.escapeHTML(def.ReduceExpr)
	}
	return strings.ReplaceAll(label, `"`, "&quot;")
}

func (r *MermaidRenderer) renderRoute(fromID string, route model.Route, opts *RenderOptions) string {
	if opts.ShowRouteConditions && route.Condition != "" {
		return fmt.Sprintf(`%s -- "%s" --> %s`, fromID, r.escapeHTML(route.Condition), route.Target)
	}
	return fmt.Sprintf("%s --> %s", fromID, route.Target)
}

func (r *MermaidRenderer) escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	text = strings.ReplaceAll(text, `"`, "&quot;")
	return text
}

func (r *MermaidRenderer) renderNodeStyles() string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString("    %% Node type styles\n")
	sb.WriteString("    classDef computeNode fill:#D0E6FF,stroke:#1A73E8,stroke-width:2px,color:#000\n")
	sb.WriteString("    classDef routerNode fill:#DFF7E3,stroke:#34A853,stroke-width:2px,color:#000\n")
	sb.WriteString("    classDef mapNode fill:#FFD9E6,stroke:#EA4C89,stroke-width:2px,color:#000\n")
	sb.WriteString("    classDef approvalNode fill:#E8D9FF,stroke:#8E57FF,stroke-width:2px,color:#000\n")
	sb.WriteString("    classDef subworkflowNode fill:#FFE5C2,stroke:#F7931A,stroke-width:2px,color:#000\n")
	return sb.String()
}

func (r *MermaidRenderer) applyNodeClasses(nodeIDs []string, ir *model.IR) string {
	nodesByClass := make(map[string][]string)
	for _, id := range nodeIDs {
		className := r.getNodeClassName(ir.Nodes[id].Type)
		if className != "" {
			nodesByClass[className] = append(nodesByClass[className], id)
		}
	}

	classNames := make([]string, 0, len(nodesByClass))
	for className := range nodesByClass {
		classNames = append(classNames, className)
	}
	sort.Strings(classNames)

	var sb strings.Builder
	for _, className := range classNames {
		ids := nodesByClass[className]
		sb.WriteString("    class ")
		sb.WriteString(strings.Join(ids, ","))
		sb.WriteString(" ")
		sb.WriteString(className)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (r *MermaidRenderer) getNodeClassName(t model.NodeType) string {
	switch t {
	case model.NodeTypeCompute, model.NodeTypeEffect, model.NodeTypeReduce, model.NodeTypeTimer:
		return "computeNode"
	case model.NodeTypeRouter:
		return "routerNode"
	case model.NodeTypeMap, model.NodeTypeMapSubtask:
		return "mapNode"
	case model.NodeTypeHumanApproval:
		return "approvalNode"
	case model.NodeTypeSubworkflow:
		return "subworkflowNode"
	default:
		return ""
	}
}
