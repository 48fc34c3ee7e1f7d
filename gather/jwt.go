package gather

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// UserClaims is the current user's identity as carried by the session
// token. The token lifecycle is owned elsewhere; this layer only reads it.
type UserClaims struct {
	Username    string
	DisplayName string
	Image       string
}

// ParseUserClaimsUnverified extracts identity claims without verifying the
// signature. The token was issued to this client by the service; the
// client trusts its own credential.
func ParseUserClaimsUnverified(authToken string) (*UserClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	userClaims := &UserClaims{}

	for _, name := range []string{"username", "nameid", "unique_name"} {
		if username, ok := claims[name].(string); ok && username != "" {
			userClaims.Username = username
			break
		}
	}
	if displayName, ok := claims["display_name"].(string); ok {
		userClaims.DisplayName = displayName
	}
	if image, ok := claims["image"].(string); ok {
		userClaims.Image = image
	}

	if userClaims.Username == "" {
		return nil, errors.New("token carries no username claim")
	}
	if userClaims.DisplayName == "" {
		userClaims.DisplayName = userClaims.Username
	}

	return userClaims, nil
}
