package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/wire"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const magic = 0xf9beb4d9

func Test_Frames(t *testing.T) {
	cb := database.NewCoinbaseTx(7, []database.TxOut{{Value: 50, Address: "0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4"}}, []byte("frame"))
	root, err := database.CalcMerkleRoot([]database.Tx{cb})
	if err != nil {
		t.Fatalf("Should be able to calculate the merkle root: %v", err)
	}
	block := database.Block{
		Header: database.BlockHeader{Version: 1, PrevBlockHash: database.Hash{1}, MerkleRoot: root, TimeStamp: 1_700_000_000, Bits: 0x207fffff},
		Txs:    []database.Tx{cb},
	}

	t.Log("Given the need to exchange framed messages.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen writing and reading a stream of messages.", testID)
		{
			var buf bytes.Buffer

			msgs := []wire.Message{
				&wire.MsgVersion{Version: wire.ProtocolVersion, ChainID: 1, BestHeight: 10, ListenHost: "0.0.0.0:9180"},
				&wire.MsgVerAck{},
				&wire.MsgInv{Items: []wire.InvVect{{Type: wire.InvBlock, Hash: block.Hash()}}},
				&wire.MsgBlock{Block: block},
			}

			for _, msg := range msgs {
				if err := wire.WriteMessage(&buf, magic, msg); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to write %s: %v", failed, testID, msg.Command(), err)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould be able to write the messages.", success, testID)

			for _, exp := range msgs {
				msg, n, err := wire.ReadMessage(&buf, magic)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to read %s: %v", failed, testID, exp.Command(), err)
				}

				if msg.Command() != exp.Command() || n <= wire.HeaderSize-1 {
					t.Fatalf("\t%s\tTest %d:\tShould read back %s, got %s.", failed, testID, exp.Command(), msg.Command())
				}
			}
			t.Logf("\t%s\tTest %d:\tShould read back the messages in order.", success, testID)

			if _, _, err := wire.ReadMessage(&buf, magic); !errors.Is(err, io.EOF) {
				t.Fatalf("\t%s\tTest %d:\tShould get EOF at the end of the stream, got %v.", failed, testID, err)
			}
		}

		testID = 1
		t.Logf("\tTest %d:\tWhen reading a block message.", testID)
		{
			var buf bytes.Buffer
			if err := wire.WriteMessage(&buf, magic, &wire.MsgBlock{Block: block}); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to write the block: %v", failed, testID, err)
			}

			msg, _, err := wire.ReadMessage(&buf, magic)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to read the block: %v", failed, testID, err)
			}

			got := msg.(*wire.MsgBlock).Block
			if got.Hash() != block.Hash() || got.Txs[0].ID() != cb.ID() {
				t.Fatalf("\t%s\tTest %d:\tShould get back the same block and tx ids.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould get back the same block and tx ids.", success, testID)
		}
	}
}

func Test_BadFrames(t *testing.T) {
	good := func() []byte {
		var buf bytes.Buffer
		wire.WriteMessage(&buf, magic, &wire.MsgPing{Nonce: 42})
		return buf.Bytes()
	}

	type table struct {
		name   string
		frame  func() []byte
		exp    error
		malfmt bool
	}

	tt := []table{
		{
			name: "magic",
			frame: func() []byte {
				b := good()
				b[0] ^= 0xff
				return b
			},
			exp:    wire.ErrBadMagic,
			malfmt: true,
		},
		{
			name: "checksum",
			frame: func() []byte {
				b := good()
				b[len(b)-2] ^= 0x01
				return b
			},
			exp:    wire.ErrBadChecksum,
			malfmt: true,
		},
		{
			name: "length",
			frame: func() []byte {
				b := good()
				binary.LittleEndian.PutUint32(b[16:20], wire.MaxPayloadSize+1)
				return b
			},
			exp:    wire.ErrTooLarge,
			malfmt: true,
		},
		{
			name: "command",
			frame: func() []byte {
				var buf bytes.Buffer
				wire.WriteMessage(&buf, magic, unknown{})
				return buf.Bytes()
			},
			exp: wire.ErrUnknownCommand,
		},
		{
			name: "payload",
			frame: func() []byte {
				var buf bytes.Buffer
				wire.WriteMessage(&buf, magic, badPing{Nonce: "x"})
				return buf.Bytes()
			},
			exp:    wire.ErrMalformed,
			malfmt: true,
		},
	}

	t.Log("Given the need to reject bad frames.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				t.Logf("\tTest %d:\tWhen handling a bad %s.", testID, tst.name)
				{
					_, _, err := wire.ReadMessage(bytes.NewReader(tst.frame()), magic)
					if !errors.Is(err, tst.exp) {
						t.Logf("\t%s\tTest %d:\tgot: %v", failed, testID, err)
						t.Logf("\t%s\tTest %d:\texp: %v", failed, testID, tst.exp)
						t.Fatalf("\t%s\tTest %d:\tShould get back the right error.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right error.", success, testID)

					if wire.IsMalformed(err) != tst.malfmt {
						t.Fatalf("\t%s\tTest %d:\tShould classify the error as malformed=%v.", failed, testID, tst.malfmt)
					}
					t.Logf("\t%s\tTest %d:\tShould classify the error.", success, testID)
				}
			}

			t.Run(tst.name, f)
		}
	}
}

type unknown struct{}

func (unknown) Command() string { return "mystery" }

type badPing struct {
	Nonce string `json:"nonce"`
}

func (badPing) Command() string { return wire.CmdPing }
