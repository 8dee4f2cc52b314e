package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry returns the "exp" claim of an access token without verifying its
// signature. The client cannot verify tokens issued by a core node; it only
// needs to know when to ask for a fresh one.
//
// ok is false when the token carries no expiry.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	if token == "" {
		return time.Time{}, false, ErrInvalidArgument.WithDetails("empty token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false, ErrInvalidArgument.WithDetails("malformed token").WithCause(err)
	}
	nd, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, ErrInvalidArgument.WithDetails("bad exp claim").WithCause(err)
	}
	if nd == nil {
		return time.Time{}, false, nil
	}
	return nd.Time, true, nil
}

// TokenExpired reports whether token has an expiry that is not after now.
// Tokens that cannot be decoded are reported as expired.
func TokenExpired(token string, now time.Time) bool {
	exp, ok, err := TokenExpiry(token)
	if err != nil {
		return true
	}
	return ok && !exp.After(now)
}

// AuthorizationHeader returns the Authorization header value for the given
// credentials: Bearer when a token is present, else Basic when both user id
// and password are set, else "".
func AuthorizationHeader(userID, password, token string) string {
	switch {
	case token != "":
		return "Bearer " + token
	case userID != "" && password != "":
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(userID+":"+password))
	}
	return ""
}

// Credentials identifies this node to a core node.
type Credentials struct {
	UserID   string
	Password string
	Token    string
}

// Header returns the Authorization header value for c.
func (c Credentials) Header() string {
	return AuthorizationHeader(c.UserID, c.Password, c.Token)
}

// String masks the secret parts of c.
func (c Credentials) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "user=%q", c.UserID)
	if c.Password != "" {
		b.WriteString(" password=***")
	}
	if c.Token != "" {
		b.WriteString(" token=***")
	}
	return b.String()
}
