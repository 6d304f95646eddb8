package convex

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestParseAuthTokenUnverified(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":             "user123",
		"iss":             "https://auth.example.com",
		"deployment_name": "happy-otter-123",
	})
	authToken, err := token.SignedString([]byte("secret"))
	assert.Equal(t, err, nil)

	claims, err := ParseAuthTokenUnverified(authToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.Subject, "user123")
	assert.Equal(t, claims.Issuer, "https://auth.example.com")
	assert.Equal(t, claims.DeploymentName, "happy-otter-123")

	_, err = ParseAuthTokenUnverified("not a token")
	assert.NotEqual(t, err, nil)
}
