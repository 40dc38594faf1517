package database

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ardanlabs/utxonode/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Coin is the number of base units in one coin.
const Coin uint64 = 100_000_000

// MaxMoney is the maximum amount any output, or the sum of outputs, can hold.
const MaxMoney uint64 = 21_000_000 * Coin

// coinbaseIndex is the output index used by the null outpoint.
const coinbaseIndex = math.MaxUint32

// =============================================================================

// OutPoint identifies a specific output of a specific transaction.
type OutPoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// NewOutPoint constructs an outpoint.
func NewOutPoint(txID Hash, index uint32) OutPoint {
	return OutPoint{
		TxID:  txID,
		Index: index,
	}
}

// IsNull reports whether this is the outpoint used by coinbase inputs.
func (op OutPoint) IsNull() bool {
	return op.TxID.IsZero() && op.Index == coinbaseIndex
}

// String implements the Stringer interface.
func (op OutPoint) String() string {
	return fmt.Sprintf("%s:%d", op.TxID, op.Index)
}

// =============================================================================

// TxIn spends a previous output. The signature must recover to the address
// that owns the output being spent.
type TxIn struct {
	PrevOut OutPoint      `json:"prev_out"`
	Sig     hexutil.Bytes `json:"sig,omitempty"`
}

// TxOut assigns value to an address.
type TxOut struct {
	Value   uint64  `json:"value"`
	Address Address `json:"address"`
}

// Tx represents a transfer of value from a set of previous outputs to a
// new set of outputs.
type Tx struct {
	Version uint32        `json:"version"`
	Inputs  []TxIn        `json:"inputs"`
	Outputs []TxOut       `json:"outputs"`
	Data    hexutil.Bytes `json:"data,omitempty"`
}

// NewTx constructs an unsigned transaction spending the specified outpoints.
func NewTx(prevOuts []OutPoint, outputs []TxOut, data []byte) (Tx, error) {
	for _, out := range outputs {
		if !out.Address.IsAddress() {
			return Tx{}, fmt.Errorf("output address %q is not properly formatted", out.Address)
		}
	}

	inputs := make([]TxIn, len(prevOuts))
	for i, op := range prevOuts {
		inputs[i] = TxIn{PrevOut: op}
	}

	tx := Tx{
		Version: 1,
		Inputs:  inputs,
		Outputs: outputs,
		Data:    data,
	}

	return tx, nil
}

// NewCoinbaseTx constructs the transaction that pays the block reward. The
// block height is committed in the data so every coinbase has a unique id.
func NewCoinbaseTx(height uint64, outputs []TxOut, extra []byte) Tx {
	data := make([]byte, 8, 8+len(extra))
	binary.BigEndian.PutUint64(data, height)
	data = append(data, extra...)

	return Tx{
		Version: 1,
		Inputs: []TxIn{
			{PrevOut: OutPoint{TxID: ZeroHash, Index: coinbaseIndex}},
		},
		Outputs: outputs,
		Data:    data,
	}
}

// IsCoinbase reports whether the transaction is a coinbase transaction.
func (tx Tx) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsNull()
}

// CoinbaseHeight returns the height committed in a coinbase transaction.
func (tx Tx) CoinbaseHeight() (uint64, bool) {
	if !tx.IsCoinbase() || len(tx.Data) < 8 {
		return 0, false
	}

	return binary.BigEndian.Uint64(tx.Data[:8]), true
}

// ID returns the unique hash for the transaction. The signatures are part
// of the id.
func (tx Tx) ID() Hash {
	return Hash(signature.Hash(tx))
}

// Hash implements the merkle Hashable interface.
func (tx Tx) Hash() ([]byte, error) {
	id := tx.ID()
	return id[:], nil
}

// Equals implements the merkle Hashable interface.
func (tx Tx) Equals(otherTx Tx) bool {
	return tx.ID() == otherTx.ID()
}

// Size returns the number of bytes of the canonical encoding. Size is the
// weight used for block limits and fee rates.
func (tx Tx) Size() int {
	data, err := json.Marshal(tx)
	if err != nil {
		return 0
	}

	return len(data)
}

// OutputTotal adds up the value of every output, checking for overflow.
func (tx Tx) OutputTotal() (uint64, error) {
	var total uint64
	for i, out := range tx.Outputs {
		if out.Value > MaxMoney {
			return 0, fmt.Errorf("output %d value %d exceeds max money", i, out.Value)
		}

		total += out.Value
		if total > MaxMoney {
			return 0, errors.New("total output value exceeds max money")
		}
	}

	return total, nil
}

// Sign uses the specified private key to sign every input of the
// transaction. Every input must be owned by the address of the key.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (Tx, error) {
	if tx.IsCoinbase() {
		return Tx{}, errors.New("coinbase transactions are not signed")
	}

	sig, err := signature.Sign(tx.signingValue(), privateKey)
	if err != nil {
		return Tx{}, err
	}

	signed := tx.clone()
	for i := range signed.Inputs {
		signed.Inputs[i].Sig = sig
	}

	return signed, nil
}

// FromAddress extracts the address that signed the specified input.
func (tx Tx) FromAddress(input int) (Address, error) {
	if input < 0 || input >= len(tx.Inputs) {
		return "", fmt.Errorf("input %d out of range", input)
	}

	addr, err := signature.FromAddress(tx.signingValue(), tx.Inputs[input].Sig)
	if err != nil {
		return "", err
	}

	return Address(addr), nil
}

// String implements the Stringer interface for logging.
func (tx Tx) String() string {
	return tx.ID().String()
}

// signingValue returns a copy of the transaction with every signature
// removed. This is the data that is signed.
func (tx Tx) signingValue() Tx {
	cpy := tx.clone()
	for i := range cpy.Inputs {
		cpy.Inputs[i].Sig = nil
	}

	return cpy
}

// clone returns a deep copy of the transaction.
func (tx Tx) clone() Tx {
	cpy := Tx{
		Version: tx.Version,
		Inputs:  make([]TxIn, len(tx.Inputs)),
		Outputs: make([]TxOut, len(tx.Outputs)),
	}

	for i, in := range tx.Inputs {
		cpy.Inputs[i] = TxIn{PrevOut: in.PrevOut}
		if in.Sig != nil {
			cpy.Inputs[i].Sig = append(hexutil.Bytes{}, in.Sig...)
		}
	}
	copy(cpy.Outputs, tx.Outputs)

	if tx.Data != nil {
		cpy.Data = append(hexutil.Bytes{}, tx.Data...)
	}

	return cpy
}

// =============================================================================

// DecodeTx decodes the canonical encoding of a transaction. Unknown fields
// are rejected.
func DecodeTx(data []byte) (Tx, error) {
	var tx Tx
	if err := decodeStrict(data, &tx); err != nil {
		return Tx{}, fmt.Errorf("decoding tx: %w", err)
	}

	return tx, nil
}

// EncodeTx returns the canonical encoding of a transaction.
func EncodeTx(tx Tx) ([]byte, error) {
	return json.Marshal(tx)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return err
	}

	if dec.More() {
		return errors.New("trailing data after value")
	}

	return nil
}
