package util

import (
	"hash/fnv"
	"net"

	"github.com/google/uuid"
)

// ShortID returns an 8 hex character random id used to tell component
// instances apart in logs.
func ShortID() string {
	id := uuid.New()
	return id.String()[:8]
}

// ConnTag computes a 4-byte hash from a TCP connection's 4-tuple. The hash
// only labels log lines and does not need to be unique.
func ConnTag(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}
