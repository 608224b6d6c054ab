package serialize

import (
	"strconv"
)

const (
	// RootTag is the tag of the outermost node produced by Serialize.
	RootTag = "object"
	// ItemTag is the tag of every element of a list node.
	ItemTag = "item"
)

// Type tags written into Node.Type.
const (
	TypeNone   = "none"
	TypeBool   = "bool"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeString = "string"
	TypeList   = "list"
	TypeMap    = "map"
)

// Node is one element of the typed tree. Scalars keep their textual form in
// Text; lists and maps keep their elements in Children.
type Node struct {
	Tag      string  `json:"tag"`
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

type serializer interface {
	serialize(v Value, tag string) *Node
	unserialize(n *Node) (Value, error)
}

// registry is the closed set of node types this package understands.
var registry = map[string]serializer{
	TypeNone:   noneSerializer{},
	TypeBool:   boolSerializer{},
	TypeInt:    intSerializer{},
	TypeFloat:  floatSerializer{},
	TypeString: stringSerializer{},
	TypeList:   listSerializer{},
	TypeMap:    mapSerializer{},
}

var kindTypes = map[Kind]string{
	KindNone:   TypeNone,
	KindBool:   TypeBool,
	KindInt:    TypeInt,
	KindFloat:  TypeFloat,
	KindString: TypeString,
	KindList:   TypeList,
	KindMap:    TypeMap,
}

// Serialize converts x into a node tree tagged RootTag. x may be a Value or
// any Go value accepted by ValueOf.
func Serialize(x interface{}) (*Node, error) {
	v, err := ValueOf(x)
	if err != nil {
		return nil, err
	}
	return serializeAtomic(v, RootTag), nil
}

// Unserialize reconstructs the Value described by n.
func Unserialize(n *Node) (Value, error) {
	if n == nil {
		return Value{}, nil
	}
	s, ok := registry[n.Type]
	if !ok {
		return Value{}, &NoSuchUnserializerError{Type: n.Type}
	}
	return s.unserialize(n)
}

func serializeAtomic(v Value, tag string) *Node {
	return registry[kindTypes[v.kind]].serialize(v, tag)
}

type noneSerializer struct{}

func (noneSerializer) serialize(_ Value, tag string) *Node {
	return &Node{Tag: tag, Type: TypeNone}
}

func (noneSerializer) unserialize(*Node) (Value, error) {
	return Value{}, nil
}

type boolSerializer struct{}

func (boolSerializer) serialize(v Value, tag string) *Node {
	return &Node{Tag: tag, Type: TypeBool, Text: strconv.FormatBool(v.b)}
}

func (boolSerializer) unserialize(n *Node) (Value, error) {
	switch n.Text {
	case "true", "True", "1":
		return Bool(true), nil
	case "false", "False", "0":
		return Bool(false), nil
	}
	return Value{}, &MalformedNodeError{Tag: n.Tag, Type: n.Type, Text: n.Text}
}

type intSerializer struct{}

func (intSerializer) serialize(v Value, tag string) *Node {
	return &Node{Tag: tag, Type: TypeInt, Text: strconv.FormatInt(v.i, 10)}
}

func (intSerializer) unserialize(n *Node) (Value, error) {
	i, err := strconv.ParseInt(n.Text, 10, 64)
	if err != nil {
		return Value{}, &MalformedNodeError{Tag: n.Tag, Type: n.Type, Text: n.Text, Err: err}
	}
	return Int(i), nil
}

type floatSerializer struct{}

func (floatSerializer) serialize(v Value, tag string) *Node {
	return &Node{Tag: tag, Type: TypeFloat, Text: strconv.FormatFloat(v.f, 'g', -1, 64)}
}

func (floatSerializer) unserialize(n *Node) (Value, error) {
	f, err := strconv.ParseFloat(n.Text, 64)
	if err != nil {
		return Value{}, &MalformedNodeError{Tag: n.Tag, Type: n.Type, Text: n.Text, Err: err}
	}
	return Float(f), nil
}

type stringSerializer struct{}

func (stringSerializer) serialize(v Value, tag string) *Node {
	return &Node{Tag: tag, Type: TypeString, Text: v.s}
}

func (stringSerializer) unserialize(n *Node) (Value, error) {
	return String(n.Text), nil
}

type listSerializer struct{}

func (listSerializer) serialize(v Value, tag string) *Node {
	n := &Node{Tag: tag, Type: TypeList}
	for _, item := range v.list {
		n.Children = append(n.Children, serializeAtomic(item, ItemTag))
	}
	return n
}

func (listSerializer) unserialize(n *Node) (Value, error) {
	items := make([]Value, 0, len(n.Children))
	for _, child := range n.Children {
		item, err := Unserialize(child)
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
	return List(items...), nil
}

type mapSerializer struct{}

func (mapSerializer) serialize(v Value, tag string) *Node {
	n := &Node{Tag: tag, Type: TypeMap}
	for _, k := range v.sortedKeys() {
		n.Children = append(n.Children, serializeAtomic(v.m[k], k))
	}
	return n
}

func (mapSerializer) unserialize(n *Node) (Value, error) {
	m := make(map[string]Value, len(n.Children))
	for _, child := range n.Children {
		item, err := Unserialize(child)
		if err != nil {
			return Value{}, err
		}
		m[child.Tag] = item
	}
	return Map(m), nil
}
