package peernet

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HandshakeClaims identifies the connecting node and the protocol version
// it speaks (spec §6: "each connection opens with a handshake carrying the
// connecting node's id and protocol version; mismatched versions close the
// connection"), grounded on the teacher pack's JWT usage
// (ashita-ai-akashi/internal/auth) generalized from per-agent RBAC claims
// to per-node cluster membership claims, signed HS256 with a shared
// cluster secret rather than per-node Ed25519 keys since every peer is a
// member of the same trust domain.
type HandshakeClaims struct {
	jwt.RegisteredClaims
	NodeID          string `json:"node_id"`
	ProtocolVersion int    `json:"protocol_version"`
}

// ProtocolVersion is this build's wire protocol version.
const ProtocolVersion = 1

// HandshakeSigner issues and validates handshake tokens using a shared
// cluster secret.
type HandshakeSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewHandshakeSigner(secret []byte, ttl time.Duration) *HandshakeSigner {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &HandshakeSigner{secret: secret, ttl: ttl}
}

func (s *HandshakeSigner) Issue(nodeID string) (string, error) {
	now := time.Now().UTC()
	claims := HandshakeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		NodeID:          nodeID,
		ProtocolVersion: ProtocolVersion,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *HandshakeSigner) Validate(tokenStr string) (*HandshakeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &HandshakeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("peernet: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("peernet: validate handshake token: %w", err)
	}
	claims, ok := token.Claims.(*HandshakeClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("peernet: invalid handshake token")
	}
	if claims.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("peernet: protocol version mismatch: peer=%d local=%d", claims.ProtocolVersion, ProtocolVersion)
	}
	return claims, nil
}
