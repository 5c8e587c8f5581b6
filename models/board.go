package models

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Shape, size, border and font enumerations accepted on a node's style.
const (
	ShapeRectangle = "rectangle"
	ShapeCircle    = "circle"
	ShapeDiamond   = "diamond"
	ShapeHexagon   = "hexagon"
	ShapeStar      = "star"
	ShapeCloud     = "cloud"

	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"

	BorderSolid  = "solid"
	BorderDashed = "dashed"
	BorderDotted = "dotted"

	DefaultColor = "#007bff"
)

// NodeStyle is the visual style of a node. It is serialized flat on the node.
type NodeStyle struct {
	Color       string `json:"color,omitempty" validate:"omitempty,max=32"`
	Shape       string `json:"shape,omitempty" validate:"omitempty,oneof=rectangle circle diamond hexagon star cloud"`
	Size        string `json:"size,omitempty" validate:"omitempty,oneof=small medium large"`
	BorderStyle string `json:"borderStyle,omitempty" validate:"omitempty,oneof=solid dashed dotted"`
	FontSize    string `json:"fontSize,omitempty" validate:"omitempty,oneof=small medium large"`
}

// Node is a single idea on the board.
type Node struct {
	ID   string  `json:"id" validate:"required,max=64"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Text string  `json:"text" validate:"max=10000"`
	NodeStyle
}

// Label is a piece of text attached to a connection, offset from its midpoint.
type Label struct {
	ID      string  `json:"id" validate:"max=64"`
	Text    string  `json:"text" validate:"max=1000"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
}

// Connection links two nodes. Direction is kept for rendering only.
type Connection struct {
	ID     string  `json:"id" validate:"max=64"`
	From   string  `json:"from" validate:"required"`
	To     string  `json:"to" validate:"required"`
	Labels []Label `json:"labels" validate:"dive"`
}

// Board is the shared state of one session.
type Board struct {
	Nodes       []Node       `json:"nodes" validate:"dive"`
	Connections []Connection `json:"connections" validate:"dive"`
}

// Snapshot is a versioned board. Version grows by one on every accepted mutation.
type Snapshot struct {
	SessionID string    `json:"sessionId"`
	Version   uint64    `json:"version"`
	Board     Board     `json:"board"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionSummary describes a session for listings.
type SessionSummary struct {
	SessionID       string    `json:"sessionId"`
	NodeCount       int       `json:"nodeCount"`
	ConnectionCount int       `json:"connectionCount"`
	Version         uint64    `json:"version"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Summary returns the listing view of the snapshot.
func (s Snapshot) Summary() SessionSummary {
	return SessionSummary{
		SessionID:       s.SessionID,
		NodeCount:       len(s.Board.Nodes),
		ConnectionCount: len(s.Board.Connections),
		Version:         s.Version,
		UpdatedAt:       s.UpdatedAt,
	}
}

// EmptyBoard returns a board with no nodes and no connections.
func EmptyBoard() Board {
	return Board{Nodes: []Node{}, Connections: []Connection{}}
}

// WithDefaults returns a copy of the node with unset style fields filled in.
func (n Node) WithDefaults() Node {
	if n.Color == "" {
		n.Color = DefaultColor
	}
	if n.Shape == "" {
		n.Shape = ShapeRectangle
	}
	if n.Size == "" {
		n.Size = SizeMedium
	}
	if n.BorderStyle == "" {
		n.BorderStyle = BorderSolid
	}
	if n.FontSize == "" {
		n.FontSize = SizeMedium
	}
	return n
}

// Touches reports whether the connection has the node as an endpoint.
func (c Connection) Touches(nodeID string) bool {
	return c.From == nodeID || c.To == nodeID
}

// SameEdge reports whether both connections join the same pair of nodes, in either direction.
func (c Connection) SameEdge(from, to string) bool {
	return (c.From == from && c.To == to) || (c.From == to && c.To == from)
}

// Clone returns a copy of the connection that shares no memory with c.
func (c Connection) Clone() Connection {
	if c.Labels != nil {
		labels := make([]Label, len(c.Labels))
		copy(labels, c.Labels)
		c.Labels = labels
	}
	return c
}

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	out := Board{
		Nodes:       make([]Node, len(b.Nodes)),
		Connections: make([]Connection, len(b.Connections)),
	}
	copy(out.Nodes, b.Nodes)
	for i, c := range b.Connections {
		out.Connections[i] = c.Clone()
	}
	return out
}

// Node looks a node up by id.
func (b Board) Node(id string) (Node, bool) {
	for _, n := range b.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Connection looks a connection up by id.
func (b Board) Connection(id string) (Connection, bool) {
	for _, c := range b.Connections {
		if c.ID == id {
			return c, true
		}
	}
	return Connection{}, false
}

// HasEdge reports whether a connection between the two nodes exists in either direction.
func (b Board) HasEdge(from, to string) bool {
	for _, c := range b.Connections {
		if c.SameEdge(from, to) {
			return true
		}
	}
	return false
}

// AddNode inserts the node, or replaces the node with the same id.
func (b Board) AddNode(n Node) (Board, bool) {
	n = n.WithDefaults()
	if _, ok := b.Node(n.ID); ok {
		return b.UpdateNode(n)
	}
	out := b.Clone()
	out.Nodes = append(out.Nodes, n)
	return out, true
}

// UpdateNode replaces the node with the same id. Absent or identical nodes leave the board unchanged.
func (b Board) UpdateNode(n Node) (Board, bool) {
	n = n.WithDefaults()
	for i, cur := range b.Nodes {
		if cur.ID != n.ID {
			continue
		}
		if cur == n {
			return b, false
		}
		out := b.Clone()
		out.Nodes[i] = n
		return out, true
	}
	return b, false
}

// DeleteNode removes the node and every connection touching it.
func (b Board) DeleteNode(id string) (Board, bool) {
	if _, ok := b.Node(id); !ok {
		return b, false
	}
	out := Board{
		Nodes:       make([]Node, 0, len(b.Nodes)),
		Connections: make([]Connection, 0, len(b.Connections)),
	}
	for _, n := range b.Nodes {
		if n.ID != id {
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, c := range b.Connections {
		if !c.Touches(id) {
			out.Connections = append(out.Connections, c.Clone())
		}
	}
	return out, true
}

// AddConnection appends the connection unless it would duplicate an existing edge
// or connection id, loop on a single node, or reference a node that is not on
// the board. A connection without an id is given one.
func (b Board) AddConnection(c Connection) (Board, Connection, error) {
	if c.From == c.To {
		return b, c, ErrSelfConnection
	}
	if _, ok := b.Node(c.From); !ok {
		return b, c, ErrDanglingConnection
	}
	if _, ok := b.Node(c.To); !ok {
		return b, c, ErrDanglingConnection
	}
	if b.HasEdge(c.From, c.To) {
		return b, c, ErrDuplicateConnection
	}
	if c.ID != "" {
		if _, ok := b.Connection(c.ID); ok {
			return b, c, ErrDuplicateConnectionID
		}
	}
	c = c.withIDs()
	out := b.Clone()
	out.Connections = append(out.Connections, c)
	return out, c, nil
}

// withIDs returns a copy of the connection with its own id and every label id
// filled in. A label repeating an earlier label's id is given a new one.
func (c Connection) withIDs() Connection {
	c = c.Clone()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Labels == nil {
		c.Labels = []Label{}
	}
	seen := make(map[string]struct{}, len(c.Labels))
	for i := range c.Labels {
		if _, dup := seen[c.Labels[i].ID]; dup || c.Labels[i].ID == "" {
			c.Labels[i].ID = newID()
		}
		seen[c.Labels[i].ID] = struct{}{}
	}
	return c
}

// DeleteConnection removes every connection between the two nodes, in either direction.
func (b Board) DeleteConnection(from, to string) (Board, bool) {
	if !b.HasEdge(from, to) {
		return b, false
	}
	out := Board{
		Nodes:       make([]Node, len(b.Nodes)),
		Connections: make([]Connection, 0, len(b.Connections)),
	}
	copy(out.Nodes, b.Nodes)
	for _, c := range b.Connections {
		if !c.SameEdge(from, to) {
			out.Connections = append(out.Connections, c.Clone())
		}
	}
	return out, true
}

// AddLabel appends a label to the connection. A label without an id is given one.
func (b Board) AddLabel(connectionID string, l Label) (Board, Label, bool) {
	if l.ID == "" {
		l.ID = newID()
	}
	out, ok := b.withConnection(connectionID, func(c *Connection) bool {
		for _, cur := range c.Labels {
			if cur.ID == l.ID {
				return false
			}
		}
		c.Labels = append(c.Labels, l)
		return true
	})
	return out, l, ok
}

// UpdateLabel replaces the label with the same id on the connection.
func (b Board) UpdateLabel(connectionID string, l Label) (Board, bool) {
	return b.withConnection(connectionID, func(c *Connection) bool {
		for i, cur := range c.Labels {
			if cur.ID == l.ID {
				if cur == l {
					return false
				}
				c.Labels[i] = l
				return true
			}
		}
		return false
	})
}

// DeleteLabel removes the label from the connection.
func (b Board) DeleteLabel(connectionID, labelID string) (Board, bool) {
	return b.withConnection(connectionID, func(c *Connection) bool {
		for i, cur := range c.Labels {
			if cur.ID == labelID {
				c.Labels = append(c.Labels[:i], c.Labels[i+1:]...)
				return true
			}
		}
		return false
	})
}

// withConnection runs fn against a copy of the connection and swaps it in if fn reports a change.
func (b Board) withConnection(id string, fn func(*Connection) bool) (Board, bool) {
	for i, c := range b.Connections {
		if c.ID != id {
			continue
		}
		cp := c.Clone()
		if !fn(&cp) {
			return b, false
		}
		out := b.Clone()
		out.Connections[i] = cp
		return out, true
	}
	return b, false
}

// Normalize returns the board with defaults applied, later duplicates of a node id dropped,
// and connections that dangle, loop, or duplicate an earlier edge or connection id removed.
// The second return value is the number of entries dropped.
func (b Board) Normalize() (Board, int) {
	out := Board{
		Nodes:       make([]Node, 0, len(b.Nodes)),
		Connections: make([]Connection, 0, len(b.Connections)),
	}
	dropped := 0
	nodes := make(map[string]struct{}, len(b.Nodes))
	for _, n := range b.Nodes {
		if _, dup := nodes[n.ID]; dup || n.ID == "" {
			dropped++
			continue
		}
		nodes[n.ID] = struct{}{}
		out.Nodes = append(out.Nodes, n.WithDefaults())
	}

	edges := make(map[edgeKey]struct{}, len(b.Connections))
	ids := make(map[string]struct{}, len(b.Connections))
	for _, c := range b.Connections {
		_, fromOK := nodes[c.From]
		_, toOK := nodes[c.To]
		key := keyOf(c.From, c.To)
		_, dupEdge := edges[key]
		_, dupID := ids[c.ID]
		if c.From == c.To || !fromOK || !toOK || dupEdge || (c.ID != "" && dupID) {
			dropped++
			continue
		}
		c = c.withIDs()
		edges[key] = struct{}{}
		ids[c.ID] = struct{}{}
		out.Connections = append(out.Connections, c)
	}
	return out, dropped
}

// edgeKey identifies an unordered pair of node ids.
type edgeKey struct {
	a, b string
}

func keyOf(from, to string) edgeKey {
	if from > to {
		from, to = to, from
	}
	return edgeKey{a: from, b: to}
}

func newID() string {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails when the system random source does
		panic(err)
	}
	return id
}
