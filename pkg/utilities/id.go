package utilities

import (
	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// IDGenerator produces snowflake ids from a single node so that ids minted
// within the same millisecond still get distinct sequence numbers.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator builds a generator for nodeID. If the node cannot be
// initialized the generator falls back to KSUID strings.
func NewIDGenerator(nodeID int64) *IDGenerator {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return &IDGenerator{}
	}
	return &IDGenerator{node: node}
}

// NewID returns the next id as a string.
func (g *IDGenerator) NewID() string {
	if g == nil || g.node == nil {
		return NewKSUID()
	}
	return g.node.Generate().String()
}
