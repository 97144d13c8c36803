package engine

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Question is a named set of label patterns. A label answers yes when any
// pattern matches it.
type Question struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// Node is an inner node of a decision tree. Yes and No point to another node
// when they are <= 0 and to a 1-based pdf index when they are > 0.
type Node struct {
	ID       int    `yaml:"id"`
	Question string `yaml:"question"`
	Yes      int    `yaml:"yes"`
	No       int    `yaml:"no"`
}

// Tree clusters the labels of one emitting state. A tree without nodes is a
// single leaf.
type Tree struct {
	State int    `yaml:"state"`
	Leaf  int    `yaml:"leaf,omitempty"`
	Nodes []Node `yaml:"nodes,omitempty"`
}

// TreeFile is the on-disk form of a decision tree file.
type TreeFile struct {
	Questions []Question `yaml:"questions"`
	Trees     []Tree     `yaml:"trees"`
}

type compiledNode struct {
	patterns []string
	yes, no  int
}

type compiledTree struct {
	leaf  int
	nodes map[int]compiledNode
}

// treeSet holds one compiled tree per state.
type treeSet struct {
	trees map[int]compiledTree
}

var errNoTree = errors.New("no tree for state")

func readTreeFile(path string) (TreeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TreeFile{}, err
	}
	var f TreeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return TreeFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// WriteTreeFile stores f as YAML.
func WriteTreeFile(path string, f TreeFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func compileTrees(f TreeFile) (*treeSet, error) {
	questions := make(map[string][]string, len(f.Questions))
	for _, q := range f.Questions {
		if q.Name == "" {
			return nil, errors.New("question without name")
		}
		if _, dup := questions[q.Name]; dup {
			return nil, fmt.Errorf("duplicate question %q", q.Name)
		}
		questions[q.Name] = q.Patterns
	}
	if len(f.Trees) == 0 {
		return nil, errors.New("no trees")
	}
	set := &treeSet{trees: make(map[int]compiledTree, len(f.Trees))}
	for _, tree := range f.Trees {
		if _, dup := set.trees[tree.State]; dup {
			return nil, fmt.Errorf("duplicate tree for state %d", tree.State)
		}
		compiled := compiledTree{leaf: tree.Leaf, nodes: make(map[int]compiledNode, len(tree.Nodes))}
		if len(tree.Nodes) == 0 {
			if tree.Leaf <= 0 {
				return nil, fmt.Errorf("state %d: leaf must be a positive pdf index", tree.State)
			}
			set.trees[tree.State] = compiled
			continue
		}
		for _, n := range tree.Nodes {
			if n.ID > 0 {
				return nil, fmt.Errorf("state %d: node id %d must be <= 0", tree.State, n.ID)
			}
			patterns, ok := questions[n.Question]
			if !ok {
				return nil, fmt.Errorf("state %d: unknown question %q", tree.State, n.Question)
			}
			if _, dup := compiled.nodes[n.ID]; dup {
				return nil, fmt.Errorf("state %d: duplicate node %d", tree.State, n.ID)
			}
			compiled.nodes[n.ID] = compiledNode{patterns: patterns, yes: n.Yes, no: n.No}
		}
		if _, ok := compiled.nodes[0]; !ok {
			return nil, fmt.Errorf("state %d: missing root node 0", tree.State)
		}
		for id, n := range compiled.nodes {
			for _, next := range []int{n.yes, n.no} {
				if next > 0 {
					continue
				}
				if _, ok := compiled.nodes[next]; !ok {
					return nil, fmt.Errorf("state %d: node %d points to missing node %d", tree.State, id, next)
				}
			}
		}
		set.trees[tree.State] = compiled
	}
	return set, nil
}

// search walks the tree of state and returns the 0-based pdf index for label.
func (s *treeSet) search(state int, label string) (int, error) {
	tree, ok := s.trees[state]
	if !ok {
		return 0, fmt.Errorf("%w %d", errNoTree, state)
	}
	if len(tree.nodes) == 0 {
		return tree.leaf - 1, nil
	}
	id := 0
	for range len(tree.nodes) + 1 {
		node := tree.nodes[id]
		next := node.no
		if matchAny(node.patterns, label) {
			next = node.yes
		}
		if next > 0 {
			return next - 1, nil
		}
		id = next
	}
	return 0, fmt.Errorf("state %d: tree does not terminate", state)
}

func matchAny(patterns []string, label string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, label) {
			return true
		}
	}
	return false
}

// wildcardMatch reports whether s matches pattern, where '*' matches any run
// of bytes and '?' matches exactly one byte. Every other byte is literal.
func wildcardMatch(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = i
			p++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
