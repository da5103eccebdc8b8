package state

import "github.com/vmihailenco/msgpack/v5"

// OpKind discriminates replicated operations.
type OpKind uint8

const (
	OpPeerUpsert OpKind = iota + 1
	OpPeerRemove
	OpShareUpsert
	OpShareRemove
	OpDocUpsert
	OpDocRemove
	OpTextInsert
	OpTextDelete
)

// Op is one replicated mutation, encoded with msgpack for transport over
// data channels and the relay. Applying an op is idempotent and
// commutative with concurrent ops, so duplicate or reordered delivery
// across transports cannot diverge replicas.
type Op struct {
	Kind  OpKind       `msgpack:"k"`
	Key   string       `msgpack:"key"`
	Clock Clock        `msgpack:"clk"`
	Peer  *PeerRecord  `msgpack:"peer,omitempty"`
	Share *ShareRecord `msgpack:"share,omitempty"`
	Doc   *DocMeta     `msgpack:"doc,omitempty"`
	Chars []Char       `msgpack:"chars,omitempty"`
	Dels  []CharID     `msgpack:"dels,omitempty"`
}

// Encode serializes the op for transport.
func (o *Op) Encode() ([]byte, error) {
	return msgpack.Marshal(o)
}

// DecodeOp deserializes an op received from a peer or the relay.
func DecodeOp(b []byte) (*Op, error) {
	var op Op
	if err := msgpack.Unmarshal(b, &op); err != nil {
		return nil, err
	}
	return &op, nil
}
