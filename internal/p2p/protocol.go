package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicTransactions = "/novastake/tx/1.0.0"
	TopicBlocks       = "/novastake/block/1.0.0"
	TopicHeartbeat    = "/novastake/heartbeat/1.0.0"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/novastake/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	// v2: fixed sync/reorg bugs that caused nodes to get stuck with orphan blocks.
	ProtocolVersion uint32 = 2

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	// v2 required: v1 peers may have corrupted block stores that return empty batches.
	MinProtocolVersion uint32 = 2
)

// MessageType identifies the type of P2P message.
type MessageType uint8

const (
	MsgTx    MessageType = iota + 1 // Transaction broadcast.
	MsgBlock                        // Block broadcast.
)

// Message is a P2P protocol message.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
}
