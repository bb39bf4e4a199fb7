// Package wire provides MariaDB/MySQL wire-protocol packet helpers,
// adapted from the teacher's mariadb/protocol.go. The router package
// uses these only for the two places spec.md §6 requires it to speak
// the protocol itself: the synthetic read-only error packet emitted
// under RW_ERROR_ON_WRITE, and ignorable keep-alive pings. Everything
// else is byte-transparent — statement bytes and ordinary replies pass
// through unparsed.
package wire

import (
	"encoding/binary"
	"io"
)

const (
	okHeader  = 0x00
	errHeader = 0xff

	// ClientProtocol41 is the only capability flag this package's
	// packet builders branch on.
	ClientProtocol41 = 0x00000200
)

// ErrReadOnly is the MariaDB/MySQL error number for "the server is
// running with the --read-only option", the synthetic packet
// spec.md §6 requires under master_failure_mode=error-on-write.
const ErrReadOnly uint16 = 1290

// PutLengthEncodedInt encodes n as a MariaDB length-encoded integer.
func PutLengthEncodedInt(n uint64) []byte {
	switch {
	case n < 251:
		return []byte{byte(n)}
	case n < 1<<16:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n < 1<<24:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		return []byte{0xfe,
			byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
			byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56)}
	}
}

// WriteOKPacket builds an OK packet. No code in this module calls it;
// keep-alive ping replies come from the backends themselves.
func WriteOKPacket(affectedRows, insertID uint64, status uint16, capability uint32, sequence byte) []byte {
	data := make([]byte, 4, 32)
	data = append(data, okHeader)
	data = append(data, PutLengthEncodedInt(affectedRows)...)
	data = append(data, PutLengthEncodedInt(insertID)...)

	if capability&ClientProtocol41 > 0 {
		data = append(data, byte(status), byte(status>>8))
		data = append(data, 0, 0) // warnings
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	data[3] = sequence
	return data
}

// WriteErrorPacket builds an error packet conforming to the
// downstream protocol, per spec.md §6's wire-compatibility
// requirement.
func WriteErrorPacket(errno uint16, sqlState, message string, capability uint32, sequence byte) []byte {
	data := make([]byte, 4, 16+len(message))
	data = append(data, errHeader)
	data = append(data, byte(errno), byte(errno>>8))

	if capability&ClientProtocol41 > 0 {
		data = append(data, '#')
		data = append(data, []byte(sqlState)...)
	}

	data = append(data, []byte(message)...)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	data[3] = sequence
	return data
}

// ReadOnlyErrorPacket builds the specific synthetic packet spec.md §6
// mandates: a write arrives with master_failure_mode=error-on-write
// and no primary is selectable.
func ReadOnlyErrorPacket(capability uint32, sequence byte) []byte {
	return WriteErrorPacket(ErrReadOnly, "HY000", "The MaxScale router configuration disallows write statements while the primary server is unavailable", capability, sequence)
}

// PingPacket builds a COM_PING command packet, used for the
// connection keep-alive described in spec.md §4.4 step 7.
func PingPacket(sequence byte) []byte {
	data := make([]byte, 5)
	binary.LittleEndian.PutUint32(data[0:4], 1)
	data[3] = sequence
	data[4] = 0x0e // COM_PING
	return data
}

// ReadPacket reads one framed MariaDB packet from r and returns its
// payload (header stripped) and sequence number, adapted from the
// teacher's clientConn.readPacket. It is the one place outside the
// byte-transparent router/session/backend layers that understands
// packet framing, used only by the demo's own connection plumbing.
func ReadPacket(r io.Reader) (payload []byte, sequence byte, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, err
	}
	return payload, header[3], nil
}
