package weights

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// TreeNode is either a leaf holding a Value or a Map of its children, never
// both. The checkpoint is a tree of named tensors, parallel to the upstream
// PyTorch model's module tree.
type TreeNode[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*TreeNode[T]
}

func (n *TreeNode[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node of a checkpoint tree. T is the leaf type --
// usually *tensors.Tensor.
type Tree[T any] struct {
	Root *TreeNode[T]
}

// Path of a node, from the root.
type Path []string

// NewTree creates a new empty tree.
func NewTree[T any]() *Tree[T] {
	return &Tree[T]{Root: &TreeNode[T]{Map: make(map[string]*TreeNode[T])}}
}

// Set the value at treePath, creating intermediary map nodes where needed.
//
// It returns an error if the path crosses an existing leaf, or ends on an
// existing map node: a node is a leaf or a map, never both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	if len(treePath) == 0 {
		return errors.Errorf("weights.Tree.Set requires a non-empty path")
	}
	node := tree.Root
	for depth, pathElement := range treePath {
		if node.IsLeaf() {
			return errors.Errorf("weights.Tree.Set(%q): %q is already a leaf, can't use it as a subtree",
				treePath, treePath[:depth])
		}
		next := node.Map[pathElement]
		if next == nil {
			if depth == len(treePath)-1 {
				next = &TreeNode[T]{Value: value}
			} else {
				next = &TreeNode[T]{Map: make(map[string]*TreeNode[T])}
			}
			node.Map[pathElement] = next
		}
		node = next
	}
	if !node.IsLeaf() {
		return errors.Errorf("weights.Tree.Set(%q): path is an existing subtree, not a leaf", treePath)
	}
	node.Value = value
	return nil
}

// Get returns the leaf value at treePath, if there is one.
func (tree *Tree[T]) Get(treePath Path) (value T, found bool) {
	node := tree.Root
	for _, pathElement := range treePath {
		if node.IsLeaf() {
			return
		}
		node = node.Map[pathElement]
		if node == nil {
			return
		}
	}
	if !node.IsLeaf() {
		return
	}
	return node.Value, true
}

// NumLeaves traverses the tree and counts its leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.OrderedLeaves() {
		count++
	}
	return count
}

// OrderedLeaves iterates over all (Path, value) leaves, depth-first in
// alphabetical order of the node names.
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveOrderedLeaves(nil, tree.Root, yield)
	}
}

func recursiveOrderedLeaves[T any](treePath Path, node *TreeNode[T], yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	for _, key := range xslices.SortedKeys(node.Map) {
		if !recursiveOrderedLeaves(append(treePath, key), node.Map[key], yield) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (tree *Tree[T]) String() string {
	var parts []string
	parts = nodeToString(parts, "/", tree.Root, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, node *TreeNode[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	if node.IsLeaf() {
		var valueAny any = node.Value
		if stringer, ok := valueAny.(fmt.Stringer); ok {
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, stringer))
		}
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, node.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(node.Map) {
		parts = nodeToString(parts, key, node.Map[key], indent)
	}
	return append(parts, fmt.Sprintf("%s}", indentSpaces))
}
