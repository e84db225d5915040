package domain

import (
	"time"
)

// RequestURIPrefix is the urn prefix for pushed authorization request references
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// AuthorizationRequest is a pushed authorization request (PAR): the client
// posts its authorization parameters server-to-server and receives a
// short-lived request_uri to present at the authorization endpoint.
type AuthorizationRequest struct {
	RequestURI          string    `json:"request_uri" bson:"_id"`
	ClientID            string    `json:"client_id" bson:"client_id"`
	RedirectURI         string    `json:"redirect_uri" bson:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge" bson:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method" bson:"code_challenge_method"`
	Scope               string    `json:"scope,omitempty" bson:"scope,omitempty"`
	ExpiresAt           time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt           time.Time `json:"created_at" bson:"created_at"`
}

// IsExpired checks if the request has expired
func (r *AuthorizationRequest) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// AuthorizationCode binds a single-use code to the PKCE challenge of the
// request it was issued for and to the user who authorized it.
type AuthorizationCode struct {
	Code          string    `json:"code" bson:"_id"`
	ClientID      string    `json:"client_id" bson:"client_id"`
	UserID        string    `json:"user_id" bson:"user_id"`
	RedirectURI   string    `json:"redirect_uri" bson:"redirect_uri"`
	CodeChallenge string    `json:"code_challenge" bson:"code_challenge"`
	Scope         string    `json:"scope,omitempty" bson:"scope,omitempty"`
	ExpiresAt     time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// IsExpired checks if the code has expired
func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}
