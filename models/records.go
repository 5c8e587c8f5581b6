package models

import (
	"sort"

	"gorm.io/gorm"
)

// BoardSession is the durable row for a session.
type BoardSession struct {
	gorm.Model
	SessionID       string `gorm:"not null;size:64;uniqueIndex"`
	Version         uint64 `gorm:"not null;default:0"`
	NodeCount       int    `gorm:"not null;default:0"`
	ConnectionCount int    `gorm:"not null;default:0"`

	// Board contents, keyed by the public session id
	Nodes       []BoardNode       `gorm:"foreignKey:SessionID;references:SessionID"`
	Connections []BoardConnection `gorm:"foreignKey:SessionID;references:SessionID"`
}

// BoardNode is the durable row for a node, with its style flattened into columns.
type BoardNode struct {
	gorm.Model
	SessionID   string  `gorm:"not null;size:64;index"`
	NodeID      string  `gorm:"not null;size:64"`
	Position    int     `gorm:"not null"`
	XPosition   float64 `gorm:"not null"`
	YPosition   float64 `gorm:"not null"`
	Text        string  `gorm:"size:10000"`
	Color       string  `gorm:"size:32"`
	Shape       string  `gorm:"size:16"`
	Size        string  `gorm:"size:16"`
	BorderStyle string  `gorm:"size:16"`
	FontSize    string  `gorm:"size:16"`
}

// BoardConnection is the durable row for a connection.
type BoardConnection struct {
	gorm.Model
	SessionID    string `gorm:"not null;size:64;index"`
	ConnectionID string `gorm:"not null;size:64"`
	Position     int    `gorm:"not null"`
	FromNode     string `gorm:"not null;size:64"`
	ToNode       string `gorm:"not null;size:64"`

	Labels []BoardLabel `gorm:"foreignKey:BoardConnectionID"`
}

// BoardLabel is the durable row for a connection label.
type BoardLabel struct {
	gorm.Model
	BoardConnectionID uint    `gorm:"not null;index"`
	SessionID         string  `gorm:"not null;size:64;index"`
	LabelID           string  `gorm:"not null;size:64"`
	Position          int     `gorm:"not null"`
	Text              string  `gorm:"size:1000"`
	OffsetX           float64 `gorm:"not null;default:0"`
	OffsetY           float64 `gorm:"not null;default:0"`
}

// SessionFromSnapshot flattens a snapshot into a session row with its child rows attached.
func SessionFromSnapshot(s Snapshot) BoardSession {
	session := BoardSession{
		SessionID:       s.SessionID,
		Version:         s.Version,
		NodeCount:       len(s.Board.Nodes),
		ConnectionCount: len(s.Board.Connections),
		Nodes:           make([]BoardNode, 0, len(s.Board.Nodes)),
		Connections:     make([]BoardConnection, 0, len(s.Board.Connections)),
	}
	session.CreatedAt = s.UpdatedAt
	session.UpdatedAt = s.UpdatedAt

	for i, n := range s.Board.Nodes {
		session.Nodes = append(session.Nodes, BoardNode{
			SessionID:   s.SessionID,
			NodeID:      n.ID,
			Position:    i,
			XPosition:   n.X,
			YPosition:   n.Y,
			Text:        n.Text,
			Color:       n.Color,
			Shape:       n.Shape,
			Size:        n.Size,
			BorderStyle: n.BorderStyle,
			FontSize:    n.FontSize,
		})
	}
	for i, c := range s.Board.Connections {
		row := BoardConnection{
			SessionID:    s.SessionID,
			ConnectionID: c.ID,
			Position:     i,
			FromNode:     c.From,
			ToNode:       c.To,
		}
		for j, l := range c.Labels {
			row.Labels = append(row.Labels, BoardLabel{
				SessionID: s.SessionID,
				LabelID:   l.ID,
				Position:  j,
				Text:      l.Text,
				OffsetX:   l.OffsetX,
				OffsetY:   l.OffsetY,
			})
		}
		session.Connections = append(session.Connections, row)
	}
	return session
}

// Snapshot rebuilds the snapshot from a session row with its children preloaded.
func (s BoardSession) Snapshot() Snapshot {
	nodes := append([]BoardNode(nil), s.Nodes...)
	conns := append([]BoardConnection(nil), s.Connections...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Position < nodes[j].Position })
	sort.SliceStable(conns, func(i, j int) bool { return conns[i].Position < conns[j].Position })

	board := Board{
		Nodes:       make([]Node, 0, len(nodes)),
		Connections: make([]Connection, 0, len(conns)),
	}
	for _, n := range nodes {
		board.Nodes = append(board.Nodes, Node{
			ID:   n.NodeID,
			X:    n.XPosition,
			Y:    n.YPosition,
			Text: n.Text,
			NodeStyle: NodeStyle{
				Color:       n.Color,
				Shape:       n.Shape,
				Size:        n.Size,
				BorderStyle: n.BorderStyle,
				FontSize:    n.FontSize,
			},
		})
	}
	for _, c := range conns {
		rows := append([]BoardLabel(nil), c.Labels...)
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
		labels := make([]Label, 0, len(rows))
		for _, l := range rows {
			labels = append(labels, Label{
				ID:      l.LabelID,
				Text:    l.Text,
				OffsetX: l.OffsetX,
				OffsetY: l.OffsetY,
			})
		}
		board.Connections = append(board.Connections, Connection{
			ID:     c.ConnectionID,
			From:   c.FromNode,
			To:     c.ToNode,
			Labels: labels,
		})
	}
	return Snapshot{
		SessionID: s.SessionID,
		Version:   s.Version,
		Board:     board,
		UpdatedAt: s.UpdatedAt,
	}
}

// Summary returns the listing view of the session row.
func (s BoardSession) Summary() SessionSummary {
	return SessionSummary{
		SessionID:       s.SessionID,
		NodeCount:       s.NodeCount,
		ConnectionCount: s.ConnectionCount,
		Version:         s.Version,
		UpdatedAt:       s.UpdatedAt,
	}
}

// Tables lists the row models to migrate.
func Tables() []interface{} {
	return []interface{}{&BoardSession{}, &BoardNode{}, &BoardConnection{}, &BoardLabel{}}
}
