package interfaces

// Claims is the verified identity attached to a request or socket.
type Claims struct {
	UserID string
	Email  string
}

// TokenVerifier checks a bearer token's signature and extracts the identity.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}
