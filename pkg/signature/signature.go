package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"time"
)

// Signature is a privacy-preserving hashed identity built from the
// server-observable factors of a request. Raw values never leave the
// constructor; only hashes are stored or compared.
type Signature struct {
	IPHash        string
	UAHash        string
	SubnetHash    string
	CompositeHash string
	CreatedAt     time.Time
}

// New builds a signature from the remote IP and user agent. The subnet
// factor is the /24 (or /64 for IPv6) network, so clients hopping addresses
// inside one allocation still share a factor.
func New(ip, userAgent string) Signature {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	ip = strings.TrimSpace(ip)

	return Signature{
		IPHash:        hashFactor("ip", ip),
		UAHash:        hashFactor("ua", ua),
		SubnetHash:    hashFactor("subnet", subnetOf(ip)),
		CompositeHash: hashFactor("composite", ip+"|"+ua),
		CreatedAt:     time.Now(),
	}
}

// ID is the stable key used by the coordinator's window store.
func (s Signature) ID() string {
	return s.CompositeHash
}

func hashFactor(kind, value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(kind + ":" + value))
	return hex.EncodeToString(sum[:16])
}

func subnetOf(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
}
