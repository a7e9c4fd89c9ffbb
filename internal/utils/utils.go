package utils

import (
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// CalculateHash generates a CRC32 hash of the data
func CalculateHash(data []byte) string {
	table := crc32.MakeTable(crc32.IEEE)
	return fmt.Sprintf("%08x", crc32.Checksum(data, table))
}

// GenerateRandomID generates a random ID for connections and server instances
func GenerateRandomID() string {
	return uuid.NewString()
}
