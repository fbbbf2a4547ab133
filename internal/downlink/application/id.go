package application

import (
	"crypto/sha1"
	"encoding/hex"
)

func buildShortID(input string) string {
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:8])
}
