package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/minasoft/vital-alerts/internal/db"
)

var (
	ErrMissingToken = errors.New("authentication token is required")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("authentication token expired")
	ErrForbidden    = errors.New("role not permitted to receive alerts")
)

const (
	RoleDoctor = "doctor"
	RoleNurse  = "nurse"
	RoleAdmin  = "admin"
)

// Claims identify a dashboard session and the alerts it may see.
type Claims struct {
	UserID   string   `json:"userId"`
	Roles    []string `json:"roles"`
	Facility string   `json:"facility,omitempty"`
	Patients []string `json:"patients,omitempty"`
	jwt.StandardClaims
}

func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanSee applies tenant scoping. Admins see everything; other sessions see the patients
// they list, or their facility when no patient list is given.
func (c *Claims) CanSee(alert *db.Alert) bool {
	if c.HasRole(RoleAdmin) {
		return true
	}
	if len(c.Patients) > 0 {
		for _, p := range c.Patients {
			if p == alert.PatientID {
				return true
			}
		}
		return false
	}
	return c.Facility != "" && c.Facility == alert.FacilityID
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Authenticate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if !claims.HasRole(RoleDoctor) && !claims.HasRole(RoleNurse) && !claims.HasRole(RoleAdmin) {
		return nil, ErrForbidden
	}
	return claims, nil
}

// Issue signs claims valid for ttl. Used by tooling and tests.
func (a *Authenticator) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = now.Unix()
	claims.ExpiresAt = now.Add(ttl).Unix()
	if claims.Subject == "" {
		claims.Subject = claims.UserID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest reads ?token= first, then the Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// StatusFor maps an authentication error to the HTTP status returned before upgrade.
func StatusFor(err error) int {
	if errors.Is(err, ErrForbidden) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
