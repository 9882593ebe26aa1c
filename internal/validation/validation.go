// Package validation provides input validation helpers and middleware.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

var (
	// chainAddressRegex validates hot-wallet-network addresses.
	chainAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// hexRegex validates hex strings (tx hashes, signatures).
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidChainAddress checks if a string is a valid on-chain address.
func IsValidChainAddress(addr string) bool {
	return chainAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// NormalizeAddress lowercases and 0x-prefixes an address for storage keys.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// PositiveUnits checks an asset quantity is a positive integer.
func PositiveUnits(n int64) bool {
	return n > 0
}

// PositiveMinorUnits checks a money amount in minor units is a positive integer.
func PositiveMinorUnits(n int64) bool {
	return n > 0
}
