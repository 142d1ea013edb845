// Package ontology resolves a configurable atlas-region hierarchy into the
// canonical region set used by metric derivation: blacklist rules prune the
// tree, fusion groups collapse member regions into synthetic nodes.
package ontology

import (
	"fmt"
	"sort"

	"histoquant/pkg/domain"
)

// node is one arena entry. Nodes are addressed by acronym with explicit
// parent references; fusion adds new entries instead of mutating existing
// ones so a merged member's original position stays traceable.
type node struct {
	region    domain.RegionNode
	children  []string
	removed   bool
	merged    string // synthetic acronym this node was fused into, when set
	synthetic bool
	position  int // depth-first position in the original tree
}

// ResolvedOntology is the immutable result of applying blacklist and fusion
// rules to a region tree. It is safe for concurrent reads.
type ResolvedOntology struct {
	nodes map[string]*node
	// active lists retained region acronyms in ontology traversal order.
	active []string
}

// Resolve applies blacklist rules first, fusion groups second, and returns
// the canonical region set. Contradictory rules (a fusion member that is
// already blacklisted, a member shared by two fusion groups, or a rule
// naming an unknown acronym) yield an OntologyConflictError: they signal a
// configuration error and must stop the run.
func Resolve(tree []domain.RegionNode, blacklist []domain.BlacklistRule, fusions []domain.FusionGroup) (*ResolvedOntology, error) {
	nodes, rootAcronym, err := buildArena(tree)
	if err != nil {
		return nil, err
	}

	for _, rule := range blacklist {
		for _, member := range rule.Members {
			n, ok := nodes[member]
			if !ok {
				return nil, domain.OntologyConflictError{Rule: "blacklist", Acronym: member, Reason: "unknown acronym"}
			}
			switch rule.Scope {
			case domain.BlacklistWithChilds:
				removeSubtree(nodes, n)
			case domain.BlacklistExact:
				removeExact(nodes, n)
			default:
				return nil, domain.OntologyConflictError{Rule: "blacklist", Acronym: member, Reason: fmt.Sprintf("unknown scope %q", rule.Scope)}
			}
		}
	}

	claimed := make(map[string]string) // member acronym -> fusion acronym
	for _, group := range fusions {
		if existing, ok := nodes[group.Acronym]; ok && !existing.removed {
			return nil, domain.OntologyConflictError{Rule: "fusion", Acronym: group.Acronym, Reason: "synthetic acronym collides with an active region"}
		}
		members := append([]string(nil), group.Members...)
		sort.Strings(members)
		area := make(map[domain.Hemisphere]float64)
		position := -1
		for _, member := range members {
			n, ok := nodes[member]
			if !ok {
				return nil, domain.OntologyConflictError{Rule: "fusion", Acronym: member, Reason: "unknown acronym"}
			}
			if n.removed {
				return nil, domain.OntologyConflictError{Rule: "fusion", Acronym: member, Reason: "member already blacklisted"}
			}
			if other, ok := claimed[member]; ok {
				return nil, domain.OntologyConflictError{Rule: "fusion", Acronym: member, Reason: fmt.Sprintf("member already claimed by fusion group %q", other)}
			}
			claimed[member] = group.Acronym
			for hemisphere, a := range n.region.AreaUM2 {
				area[hemisphere] += a
			}
			if position == -1 || n.position < position {
				position = n.position
			}
		}
		if len(members) == 0 {
			return nil, domain.OntologyConflictError{Rule: "fusion", Acronym: group.Acronym, Reason: "fusion group has no members"}
		}
		if len(area) == 0 {
			area = nil
		}
		synthetic := &node{
			region: domain.RegionNode{
				Acronym:       group.Acronym,
				Name:          group.Name,
				ParentAcronym: nodes[members[0]].region.ParentAcronym,
				AreaUM2:       area,
			},
			synthetic: true,
			position:  position,
		}
		nodes[group.Acronym] = synthetic
		for _, member := range members {
			nodes[member].merged = group.Acronym
		}
	}

	resolved := &ResolvedOntology{nodes: nodes}
	resolved.active = activeOrder(nodes, rootAcronym)
	return resolved, nil
}

// buildArena validates the tree (unique acronyms, single root, existing
// parents, no cycles) and assigns depth-first positions.
func buildArena(tree []domain.RegionNode) (map[string]*node, string, error) {
	nodes := make(map[string]*node, len(tree))
	root := ""
	for _, region := range tree {
		if region.Acronym == "" {
			return nil, "", domain.OntologyConflictError{Rule: "tree", Acronym: region.Name, Reason: "region without acronym"}
		}
		if _, dup := nodes[region.Acronym]; dup {
			return nil, "", domain.OntologyConflictError{Rule: "tree", Acronym: region.Acronym, Reason: "duplicate acronym"}
		}
		nodes[region.Acronym] = &node{region: region}
		if region.ParentAcronym == "" {
			if root != "" {
				return nil, "", domain.OntologyConflictError{Rule: "tree", Acronym: region.Acronym, Reason: "second root node"}
			}
			root = region.Acronym
		}
	}
	if root == "" {
		return nil, "", domain.OntologyConflictError{Rule: "tree", Acronym: "", Reason: "no root node"}
	}
	for acronym, n := range nodes {
		if n.region.ParentAcronym == "" {
			continue
		}
		parent, ok := nodes[n.region.ParentAcronym]
		if !ok {
			return nil, "", domain.OntologyConflictError{Rule: "tree", Acronym: acronym, Reason: fmt.Sprintf("unknown parent %q", n.region.ParentAcronym)}
		}
		parent.children = append(parent.children, acronym)
	}
	for _, n := range nodes {
		children := n.children
		sort.Slice(children, func(i, j int) bool {
			a, b := nodes[children[i]], nodes[children[j]]
			if a.region.ID != b.region.ID {
				return a.region.ID < b.region.ID
			}
			return a.region.Acronym < b.region.Acronym
		})
	}
	// Depth-first numbering doubles as the cycle check: a cycle leaves
	// nodes unvisited because they are unreachable from the root.
	visited := 0
	position := 0
	var walk func(string)
	walk = func(acronym string) {
		n := nodes[acronym]
		n.position = position
		position++
		visited++
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(root)
	if visited != len(nodes) {
		return nil, "", domain.OntologyConflictError{Rule: "tree", Acronym: root, Reason: "tree contains nodes unreachable from root"}
	}
	return nodes, root, nil
}

func removeSubtree(nodes map[string]*node, n *node) {
	n.removed = true
	for _, child := range n.children {
		removeSubtree(nodes, nodes[child])
	}
}

// removeExact removes only the named node; its children are re-parented to
// the removed node's parent.
func removeExact(nodes map[string]*node, n *node) {
	n.removed = true
	parentAcronym := n.region.ParentAcronym
	if parentAcronym == "" {
		// Removing the root exactly orphans its children; they become
		// unreachable and are treated as removed with it.
		removeSubtree(nodes, n)
		return
	}
	parent := nodes[parentAcronym]
	for _, child := range n.children {
		nodes[child].region.ParentAcronym = parentAcronym
		parent.children = append(parent.children, child)
	}
	n.children = nil
}

// activeOrder lists retained acronyms ordered by original tree position;
// synthetic nodes inherit the smallest member position.
func activeOrder(nodes map[string]*node, root string) []string {
	type entry struct {
		acronym  string
		position int
	}
	var entries []entry
	for acronym, n := range nodes {
		if n.removed || n.merged != "" {
			continue
		}
		entries = append(entries, entry{acronym: acronym, position: n.position})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].position != entries[j].position {
			return entries[i].position < entries[j].position
		}
		return entries[i].acronym < entries[j].acronym
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.acronym
	}
	return out
}

// Contains reports whether acronym names a retained region (directly or as
// the synthetic result of a fusion).
func (o *ResolvedOntology) Contains(acronym string) bool {
	n, ok := o.nodes[acronym]
	return ok && !n.removed && n.merged == ""
}

// Canonical maps an input acronym to its retained region: fused members map
// to their synthetic node, blacklisted regions map to nothing.
func (o *ResolvedOntology) Canonical(acronym string) (string, bool) {
	n, ok := o.nodes[acronym]
	if !ok || n.removed {
		return "", false
	}
	if n.merged != "" {
		return n.merged, true
	}
	return acronym, true
}

// Regions returns the retained regions in ontology traversal order.
func (o *ResolvedOntology) Regions() []domain.RegionNode {
	out := make([]domain.RegionNode, 0, len(o.active))
	for _, acronym := range o.active {
		out = append(out, o.nodes[acronym].region)
	}
	return out
}

// Position returns the ontology-order position of a region. Merged members
// resolve to their synthetic node's position so an order-by-ontology
// traversal can still locate them.
func (o *ResolvedOntology) Position(acronym string) (int, bool) {
	n, ok := o.nodes[acronym]
	if !ok || n.removed {
		return 0, false
	}
	if n.merged != "" {
		n = o.nodes[n.merged]
	}
	return n.position, true
}

// AreaUM2 returns the atlas-provided region area for one hemisphere, when
// the atlas carries one. Synthetic regions report the sum over members.
func (o *ResolvedOntology) AreaUM2(acronym string, hemisphere domain.Hemisphere) (float64, bool) {
	n, ok := o.nodes[acronym]
	if !ok || n.removed {
		return 0, false
	}
	if n.merged != "" {
		n = o.nodes[n.merged]
	}
	area, ok := n.region.AreaUM2[hemisphere]
	return area, ok
}
