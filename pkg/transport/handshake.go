package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
)

const (
	maxNodeIDLen = 255
	helloAck     = 0x01
)

// writeHello sends uvarint(len(id)) followed by id.
func writeHello(w io.Writer, id envelope.NodeID) error {
	if len(id) == 0 || len(id) > maxNodeIDLen {
		return fmt.Errorf("%w: node id length %d", ErrBadHello, len(id))
	}
	buf := binary.AppendUvarint(nil, uint64(len(id)))
	buf = append(buf, id...)
	_, err := w.Write(buf)
	return err
}

func readHello(r *bufio.Reader) (envelope.NodeID, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n == 0 || n > maxNodeIDLen {
		return "", fmt.Errorf("%w: node id length %d", ErrBadHello, n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", err
	}
	return envelope.NodeID(id), nil
}

func readAck(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	if b[0] != helloAck {
		return fmt.Errorf("%w: unexpected ack byte %#x", ErrBadHello, b[0])
	}
	return nil
}
