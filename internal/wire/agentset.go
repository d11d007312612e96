package wire

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// EncodeAgentSet serializes a set of bidder agent identifiers in the
// store-writer binary form: a uvarint element count followed by a uvarint
// length and raw bytes per element, elements sorted so identical sets
// encode identically.
func EncodeAgentSet(agents []string) string {
	sorted := append([]string(nil), agents...)
	sort.Strings(sorted)
	buf := make([]byte, 0, 8+len(sorted)*16)
	buf = binary.AppendUvarint(buf, uint64(len(sorted)))
	for _, agent := range sorted {
		buf = binary.AppendUvarint(buf, uint64(len(agent)))
		buf = append(buf, agent...)
	}
	return string(buf)
}

// DecodeAgentSet reverses EncodeAgentSet.
func DecodeAgentSet(s string) ([]string, error) {
	buf := []byte(s)
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad agent set header", ErrProtocol)
	}
	buf = buf[n:]
	agents := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(buf)
		if n <= 0 || uint64(len(buf)-n) < size {
			return nil, fmt.Errorf("%w: truncated agent set", ErrProtocol)
		}
		agents = append(agents, string(buf[n:n+int(size)]))
		buf = buf[n+int(size):]
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes in agent set", ErrProtocol)
	}
	return agents, nil
}
