package raftpb

import (
	"encoding/binary"
	"io"

	"github.com/golang/protobuf/proto"
)

// WriteMessage marshals m with protobuf and writes it to w prefixed
// with a big-endian uint32 length, so a stream of messages can be
// tailed and replayed without an external index.
func WriteMessage(w io.Writer, m proto.Message) error {
	buf, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(buf))); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one length-prefixed protobuf message from r into m.
// It returns io.EOF when r is exhausted before a new record begins.
func ReadMessage(r io.Reader, m proto.Message) error {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return proto.Unmarshal(buf, m)
}
