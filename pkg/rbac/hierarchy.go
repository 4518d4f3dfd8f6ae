package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// HierarchyNode is one colon-delimited prefix of a permission code
type HierarchyNode struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Depth int    `json:"depth"`
	// Permission is set when the node's code is itself a permission
	Permission *Permission       `json:"permission,omitempty"`
	Children   []*HierarchyNode `json:"children,omitempty"`
}

// BuildHierarchy builds the prefix tree of the permission codes. It returns
// the roots, ordered by code, and an index of every node by code.
// "billing:invoices:read" yields billing -> billing:invoices ->
// billing:invoices:read.
func BuildHierarchy(perms []Permission) ([]*HierarchyNode, map[string]*HierarchyNode) {
	index := make(map[string]*HierarchyNode)
	var roots []*HierarchyNode

	for i := range perms {
		parts := strings.Split(perms[i].Code(), ":")
		var parent *HierarchyNode
		for depth := range parts {
			code := strings.Join(parts[:depth+1], ":")
			node, ok := index[code]
			if !ok {
				node = &HierarchyNode{Code: code, Name: parts[depth], Depth: depth}
				index[code] = node
				if parent == nil {
					roots = append(roots, node)
				} else {
					parent.Children = append(parent.Children, node)
				}
			}
			parent = node
		}
		p := perms[i]
		parent.Permission = &p
	}

	for _, node := range index {
		sortNodes(node.Children)
	}
	sortNodes(roots)
	return roots, index
}

func sortNodes(nodes []*HierarchyNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Code < nodes[j].Code })
}

// GetPermissionHierarchy returns the tree of active permission codes. With a
// rootCode it returns just that subtree, or ErrNotFound.
func (e *Engine) GetPermissionHierarchy(ctx context.Context, rootCode string) ([]*HierarchyNode, error) {
	all, err := e.gw.ListPermissions(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	perms := all[:0]
	for _, p := range all {
		if p.Active {
			perms = append(perms, p)
		}
	}

	roots, index := BuildHierarchy(perms)
	if rootCode == "" {
		if roots == nil {
			roots = []*HierarchyNode{}
		}
		return roots, nil
	}
	node, ok := index[rootCode]
	if !ok {
		return nil, fmt.Errorf("permission hierarchy node %q: %w", rootCode, ErrNotFound)
	}
	return []*HierarchyNode{node}, nil
}
