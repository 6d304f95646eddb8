package convex

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of a deployment auth token.
// parsed without verification. the deployment verifies server side;
// the client only reads routing hints out of the token.
type AuthClaims struct {
	Subject        string
	Issuer         string
	DeploymentName string
}

func ParseAuthTokenUnverified(authToken string) (*AuthClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	authClaims := &AuthClaims{}

	if subject, ok := claims["sub"].(string); ok {
		authClaims.Subject = subject
	}
	if issuer, ok := claims["iss"].(string); ok {
		authClaims.Issuer = issuer
	}
	if deploymentName, ok := claims["deployment_name"].(string); ok {
		authClaims.DeploymentName = deploymentName
	}

	return authClaims, nil
}
