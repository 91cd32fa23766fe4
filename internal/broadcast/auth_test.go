package broadcast

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/vital-alerts/internal/db"
)

const testSecret = "test-secret"

func TestAuthenticate(t *testing.T) {
	auth := NewAuthenticator(testSecret)

	token, err := auth.Issue(Claims{UserID: "nurse-1", Roles: []string{RoleNurse}, Facility: "ward-4"}, time.Hour)
	require.NoError(t, err)

	claims, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "nurse-1", claims.UserID)
	assert.Equal(t, "ward-4", claims.Facility)
}

func TestAuthenticate_Rejections(t *testing.T) {
	auth := NewAuthenticator(testSecret)

	_, err := auth.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = auth.Authenticate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewAuthenticator("other-secret").Issue(Claims{UserID: "u", Roles: []string{RoleDoctor}}, time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := auth.Issue(Claims{UserID: "u", Roles: []string{RoleDoctor}}, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	patientToken, err := auth.Issue(Claims{UserID: "p", Roles: []string{"patient"}}, time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(patientToken)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, http.StatusForbidden, StatusFor(err))

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u", Roles: []string{RoleAdmin}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.Authenticate(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, http.StatusUnauthorized, StatusFor(err))
}

func TestClaims_CanSee(t *testing.T) {
	alert := &db.Alert{PatientID: "P1", FacilityID: "ward-4"}

	assert.True(t, (&Claims{Roles: []string{RoleAdmin}}).CanSee(alert))
	assert.True(t, (&Claims{Roles: []string{RoleNurse}, Facility: "ward-4"}).CanSee(alert))
	assert.False(t, (&Claims{Roles: []string{RoleNurse}, Facility: "ward-9"}).CanSee(alert))
	assert.True(t, (&Claims{Roles: []string{RoleDoctor}, Patients: []string{"P0", "P1"}}).CanSee(alert))
	assert.False(t, (&Claims{Roles: []string{RoleDoctor}, Patients: []string{"P2"}, Facility: "ward-4"}).CanSee(alert))
	assert.False(t, (&Claims{Roles: []string{RoleDoctor}}).CanSee(alert))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, TokenFromRequest(r))
}
