package store

import (
	"bytes"
	"encoding/gob"
	"sort"
	"time"
)

// The snapshot wire format flattens every map into a sorted slice before
// encoding, so two peers holding the same tree produce byte-identical
// serializations. Encoding the Node maps directly would not give that:
// gob walks Go maps in randomized iteration order.

type snapChild struct {
	Key  string
	Node snapNode
}

type snapNode struct {
	Value     *Value
	Expiry    time.Time
	Observers []ObserverKey
	Readers   []string
	Writer    string
	Children  []snapChild
}

func toSnapNode(n *Node) snapNode {
	s := snapNode{
		Value:  n.Value.clone(),
		Expiry: n.Expiry,
		Writer: n.Writer,
	}
	for key := range n.Observers {
		s.Observers = append(s.Observers, key)
	}
	sort.Slice(s.Observers, func(i, j int) bool {
		if s.Observers[i].URL != s.Observers[j].URL {
			return s.Observers[i].URL < s.Observers[j].URL
		}
		return s.Observers[i].Client < s.Observers[j].Client
	})
	for r := range n.Readers {
		s.Readers = append(s.Readers, r)
	}
	sort.Strings(s.Readers)
	for key, child := range n.Children {
		s.Children = append(s.Children, snapChild{Key: key, Node: toSnapNode(child)})
	}
	sort.Slice(s.Children, func(i, j int) bool { return s.Children[i].Key < s.Children[j].Key })
	return s
}

func fromSnapNode(s snapNode) *Node {
	n := &Node{
		Value:  s.Value,
		Expiry: s.Expiry,
		Writer: s.Writer,
	}
	if len(s.Observers) > 0 {
		n.Observers = make(map[ObserverKey]struct{}, len(s.Observers))
		for _, key := range s.Observers {
			n.Observers[key] = struct{}{}
		}
	}
	if len(s.Readers) > 0 {
		n.Readers = make(map[string]struct{}, len(s.Readers))
		for _, r := range s.Readers {
			n.Readers[r] = struct{}{}
		}
	}
	if s.Value == nil {
		n.Children = make(map[string]*Node, len(s.Children))
		for _, c := range s.Children {
			n.Children[c.Key] = fromSnapNode(c.Node)
		}
	}
	return n
}

// EncodeSnapshot serializes a dumped tree canonically.
func EncodeSnapshot(root *Node) ([]byte, error) {
	if root == nil {
		root = newBranch()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toSnapNode(root)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Node, error) {
	var s snapNode
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, err
	}
	return fromSnapNode(s), nil
}
