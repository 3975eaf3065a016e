package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tree is the in-memory path-keyed JSON store behind the hub. Leaves hold
// raw JSON payloads; interior nodes are directories.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	children map[string]*node
	value    json.RawMessage
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{root: &node{}}
}

func splitPath(path string) ([]string, error) {
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("invalid path %q", path)
	}
	return segs, nil
}

// Put sets the leaf value at path, creating intermediate directories and
// replacing any subtree previously rooted there.
func (t *Tree) Put(path string, payload json.RawMessage) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for _, seg := range segs {
		if cur.children == nil {
			cur.children = make(map[string]*node)
		}
		next, ok := cur.children[seg]
		if !ok {
			next = &node{}
			cur.children[seg] = next
		}
		cur = next
	}
	cur.children = nil
	cur.value = payload
	return nil
}

func (t *Tree) lookup(path string) *node {
	segs, err := splitPath(path)
	if err != nil {
		return nil
	}
	cur := t.root
	for _, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// encode renders a node: a leaf as its payload, a directory as a JSON
// object of its children.
func encode(n *node) json.RawMessage {
	if n == nil {
		return json.RawMessage("null")
	}
	if n.children == nil {
		if n.value == nil {
			return json.RawMessage("null")
		}
		return n.value
	}
	parts := make(map[string]json.RawMessage, len(n.children))
	for k, child := range n.children {
		parts[k] = encode(child)
	}
	out, _ := json.Marshal(parts)
	return out
}

// Snapshot returns the JSON encoding of the subtree at path ("null" when
// the path does not exist).
func (t *Tree) Snapshot(path string) json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return encode(t.lookup(path))
}

// Child is one immediate child of a directory node.
type Child struct {
	Key     string
	Payload json.RawMessage
}

// Children returns the immediate children of the directory at path in
// key order. Key order is deterministic for replay on watch registration;
// live fanout afterwards is arrival order.
func (t *Tree) Children(path string) []Child {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.lookup(path)
	if n == nil || n.children == nil {
		return nil
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Child, 0, len(keys))
	for _, k := range keys {
		out = append(out, Child{Key: k, Payload: encode(n.children[k])})
	}
	return out
}
