package jwt

import (
	"ridelink/internal/domain/user"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines our canonical JWT claims payload. DeviceID identifies the
// issuing device so the sync gateway can attribute writes in conflict records.
type Claims struct {
	Role     user.Role `json:"role"` // user role for RBAC (PASSENGER/DRIVER/OPERATOR/ADMIN)
	DeviceID string    `json:"device_id,omitempty"`
	jwtlib.RegisteredClaims
}

// ensure Claims implements jwtlib.Claims interface
var _ jwtlib.Claims = (*Claims)(nil)

// NewUserClaims constructs end-user claims.
func NewUserClaims(userID string, role user.Role, deviceID string, ttl time.Duration) *Claims {
	now := time.Now().UTC()
	return &Claims{
		Role:     role,
		DeviceID: deviceID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
}
