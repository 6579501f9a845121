package closure

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/bytedance/sonic"

	"yqhp/dcf/pkg/dcferr"
)

// Version is the wire format version written by Encode and required by Decode.
const Version = 1

// NodeKind tags a wire node.
type NodeKind string

const (
	// NodeData holds a JSON encoded plain value.
	NodeData NodeKind = "data"
	// NodeCallable holds a function name and an environment of node references.
	NodeCallable NodeKind = "callable"
)

// Node is one entry of the wire node table.
type Node struct {
	Kind NodeKind        `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
	Func string          `json:"func,omitempty"`
	Env  map[string]int  `json:"env,omitempty"`
}

// Serialized is the transportable form of a closure graph. Root indexes the
// callable node to invoke.
type Serialized struct {
	Version int    `json:"version"`
	Root    int    `json:"root"`
	Nodes   []Node `json:"nodes"`
}

// Codec converts closures to and from their wire form, resolving function
// names against a registry.
type Codec struct {
	registry *Registry
}

// NewCodec creates a codec bound to r, or to the default registry when r is
// nil.
func NewCodec(r *Registry) *Codec {
	if r == nil {
		r = defaultRegistry
	}
	return &Codec{registry: r}
}

// Registry returns the registry names are resolved against.
func (c *Codec) Registry() *Registry {
	return c.registry
}

type encoder struct {
	registry *Registry
	nodes    []Node
	closures map[*Closure]int
	data     map[string]int
}

// Encode flattens the graph rooted at root. Every distinct *Closure and
// every distinct data encoding is emitted once.
func (c *Codec) Encode(root *Closure) (*Serialized, error) {
	if root == nil {
		return nil, dcferr.BadRequest("encode nil closure", nil)
	}

	enc := &encoder{
		registry: c.registry,
		closures: make(map[*Closure]int),
		data:     make(map[string]int),
	}
	idx, err := enc.closure(root)
	if err != nil {
		return nil, err
	}

	return &Serialized{Version: Version, Root: idx, Nodes: enc.nodes}, nil
}

func (e *encoder) closure(cl *Closure) (int, error) {
	if idx, ok := e.closures[cl]; ok {
		return idx, nil
	}
	if _, ok := e.registry.Lookup(cl.name); !ok {
		return 0, dcferr.BadRequest(fmt.Sprintf("closure function not registered: %s", cl.name), nil)
	}

	// reserve the slot first so cycles resolve to it
	idx := len(e.nodes)
	e.nodes = append(e.nodes, Node{Kind: NodeCallable, Func: cl.name})
	e.closures[cl] = idx

	env := make(map[string]int, len(cl.env.values))
	for _, key := range cl.env.Keys() {
		ref, err := e.value(key, cl.env.values[key])
		if err != nil {
			return 0, err
		}
		env[key] = ref
	}
	e.nodes[idx].Env = env

	return idx, nil
}

func (e *encoder) value(key string, v any) (int, error) {
	if cl, ok := v.(*Closure); ok {
		if cl == nil {
			return 0, dcferr.BadRequest(fmt.Sprintf("env %q holds a nil closure", key), nil)
		}
		return e.closure(cl)
	}

	var raw []byte
	if msg, ok := v.(json.RawMessage); ok {
		raw = msg
	} else {
		if err := checkEncodable(v); err != nil {
			return 0, dcferr.BadRequest(fmt.Sprintf("env %q", key), err)
		}
		b, err := sonic.Marshal(v)
		if err != nil {
			return 0, dcferr.BadRequest(fmt.Sprintf("encode env %q", key), err)
		}
		raw = b
	}

	if idx, ok := e.data[string(raw)]; ok {
		return idx, nil
	}
	idx := len(e.nodes)
	e.nodes = append(e.nodes, Node{Kind: NodeData, Data: raw})
	e.data[string(raw)] = idx
	return idx, nil
}

func checkEncodable(v any) error {
	if v == nil {
		return nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("unsupported value of type %T", v)
	}
	return nil
}

// Decode rebuilds the closure graph. The whole table is validated before any
// closure is constructed, and nothing is invoked. Every failure is a
// DecodeError.
func (c *Codec) Decode(s *Serialized) (*Closure, error) {
	if err := c.validate(s); err != nil {
		return nil, err
	}

	closures := make([]*Closure, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.Kind == NodeCallable {
			closures[i] = &Closure{
				name:     n.Func,
				env:      &Env{values: make(map[string]any, len(n.Env))},
				registry: c.registry,
			}
		}
	}

	for i, n := range s.Nodes {
		if n.Kind != NodeCallable {
			continue
		}
		values := closures[i].env.values
		for key, ref := range n.Env {
			if target := s.Nodes[ref]; target.Kind == NodeCallable {
				values[key] = closures[ref]
			} else {
				values[key] = append(json.RawMessage(nil), target.Data...)
			}
		}
	}

	return closures[s.Root], nil
}

func (c *Codec) validate(s *Serialized) error {
	if s == nil {
		return dcferr.Decode("empty serialized closure", nil)
	}
	if s.Version != Version {
		return dcferr.Decode(fmt.Sprintf("unsupported version %d, want %d", s.Version, Version), nil)
	}
	if len(s.Nodes) == 0 {
		return dcferr.Decode("serialized closure has no nodes", nil)
	}
	if s.Root < 0 || s.Root >= len(s.Nodes) {
		return dcferr.Decode(fmt.Sprintf("root %d out of range", s.Root), nil)
	}
	if s.Nodes[s.Root].Kind != NodeCallable {
		return dcferr.Decode("root is not a callable", nil)
	}

	for i, n := range s.Nodes {
		switch n.Kind {
		case NodeData:
			if !sonic.Valid(n.Data) {
				return dcferr.Decode(fmt.Sprintf("node %d: invalid data", i), nil)
			}
		case NodeCallable:
			if n.Func == "" {
				return dcferr.Decode(fmt.Sprintf("node %d: empty function name", i), nil)
			}
			if _, ok := c.registry.Lookup(n.Func); !ok {
				return dcferr.Decode(fmt.Sprintf("node %d: unknown function %q", i, n.Func), nil)
			}
			keys := make([]string, 0, len(n.Env))
			for k := range n.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if ref := n.Env[k]; ref < 0 || ref >= len(s.Nodes) {
					return dcferr.Decode(fmt.Sprintf("node %d: env %q references missing node %d", i, k, ref), nil)
				}
			}
		default:
			return dcferr.Decode(fmt.Sprintf("node %d: unknown kind %q", i, n.Kind), nil)
		}
	}
	return nil
}

// Marshal encodes root and renders the wire form as JSON.
func (c *Codec) Marshal(root *Closure) ([]byte, error) {
	s, err := c.Encode(root)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(s)
}

// Unmarshal parses JSON produced by Marshal and decodes it.
func (c *Codec) Unmarshal(data []byte) (*Closure, error) {
	var s Serialized
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, dcferr.Decode("malformed serialized closure", err)
	}
	return c.Decode(&s)
}
