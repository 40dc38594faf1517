package wire

import (
	"fmt"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// ProtocolVersion is the version of the protocol implemented by this node.
const ProtocolVersion = 1

// MaxInvItems is the most inventory items allowed in a single message.
const MaxInvItems = 50_000

// MaxBlocksPerGetBlocks is the most hashes returned for a getblocks request.
const MaxBlocksPerGetBlocks = 500

// MaxAddrs is the most addresses allowed in an addr message.
const MaxAddrs = 1_000

// Set of commands understood by the node.
const (
	CmdVersion   = "version"
	CmdVerAck    = "verack"
	CmdPing      = "ping"
	CmdPong      = "pong"
	CmdInv       = "inv"
	CmdGetData   = "getdata"
	CmdNotFound  = "notfound"
	CmdBlock     = "block"
	CmdTx        = "tx"
	CmdGetBlocks = "getblocks"
	CmdGetAddr   = "getaddr"
	CmdAddr      = "addr"
)

// Message is the behavior every wire message implements.
type Message interface {
	Command() string
}

// makeEmpty returns a pointer to an empty message for the command.
func makeEmpty(cmd string) (Message, error) {
	switch cmd {
	case CmdVersion:
		return &MsgVersion{}, nil
	case CmdVerAck:
		return &MsgVerAck{}, nil
	case CmdPing:
		return &MsgPing{}, nil
	case CmdPong:
		return &MsgPong{}, nil
	case CmdInv:
		return &MsgInv{}, nil
	case CmdGetData:
		return &MsgGetData{}, nil
	case CmdNotFound:
		return &MsgNotFound{}, nil
	case CmdBlock:
		return &MsgBlock{}, nil
	case CmdTx:
		return &MsgTx{}, nil
	case CmdGetBlocks:
		return &MsgGetBlocks{}, nil
	case CmdGetAddr:
		return &MsgGetAddr{}, nil
	case CmdAddr:
		return &MsgAddr{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
}

// =============================================================================

// InvType identifies the kind of object an inventory item refers to.
type InvType uint8

// Set of inventory types.
const (
	InvTx    InvType = 1
	InvBlock InvType = 2
)

// String implements the Stringer interface.
func (t InvType) String() string {
	switch t {
	case InvTx:
		return "tx"
	case InvBlock:
		return "block"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// InvVect names one object by type and hash.
type InvVect struct {
	Type InvType       `json:"type"`
	Hash database.Hash `json:"hash"`
}

// String implements the Stringer interface.
func (iv InvVect) String() string {
	return fmt.Sprintf("%s:%s", iv.Type, iv.Hash)
}

// =============================================================================

// MsgVersion opens the handshake.
type MsgVersion struct {
	Version    uint32        `json:"version"`
	ChainID    uint16        `json:"chain_id"`
	Genesis    database.Hash `json:"genesis"`
	BestHash   database.Hash `json:"best_hash"`
	BestHeight uint64        `json:"best_height"`
	ListenHost string        `json:"listen_host"`
	Nonce      uint64        `json:"nonce"`
	Time       int64         `json:"time"`
}

// MsgVerAck acknowledges a version message.
type MsgVerAck struct{}

// MsgPing checks the peer is alive.
type MsgPing struct {
	Nonce uint64 `json:"nonce"`
}

// MsgPong answers a ping with the same nonce.
type MsgPong struct {
	Nonce uint64 `json:"nonce"`
}

// MsgInv announces objects the sender has.
type MsgInv struct {
	Items []InvVect `json:"items"`
}

// MsgGetData requests objects previously announced.
type MsgGetData struct {
	Items []InvVect `json:"items"`
}

// MsgNotFound answers a getdata for objects the sender does not have.
type MsgNotFound struct {
	Items []InvVect `json:"items"`
}

// MsgBlock delivers a block.
type MsgBlock struct {
	Block database.Block `json:"block"`
}

// MsgTx delivers a transaction.
type MsgTx struct {
	Tx database.Tx `json:"tx"`
}

// MsgGetBlocks asks for the hashes of the blocks following the first locator
// hash found on the receiver's best chain.
type MsgGetBlocks struct {
	Locator []database.Hash `json:"locator"`
	Stop    database.Hash   `json:"stop"`
}

// MsgGetAddr asks for known peer addresses.
type MsgGetAddr struct{}

// MsgAddr shares known peer addresses.
type MsgAddr struct {
	Hosts []string `json:"hosts"`
}

// Command implementations.
func (*MsgVersion) Command() string   { return CmdVersion }
func (*MsgVerAck) Command() string    { return CmdVerAck }
func (*MsgPing) Command() string      { return CmdPing }
func (*MsgPong) Command() string      { return CmdPong }
func (*MsgInv) Command() string       { return CmdInv }
func (*MsgGetData) Command() string   { return CmdGetData }
func (*MsgNotFound) Command() string  { return CmdNotFound }
func (*MsgBlock) Command() string     { return CmdBlock }
func (*MsgTx) Command() string        { return CmdTx }
func (*MsgGetBlocks) Command() string { return CmdGetBlocks }
func (*MsgGetAddr) Command() string   { return CmdGetAddr }
func (*MsgAddr) Command() string      { return CmdAddr }
