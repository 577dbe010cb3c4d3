package auth

// Service validates the JWTs the WebSocket hub checks on the first frame
// of every connection. Token issuance and account storage are external
// collaborators (§1); this service only owns the validation secret.
type Service struct {
	jwtSecret []byte
}

// NewService builds the auth service around the secret used to verify
// tokens minted by the external issuer.
func NewService(jwtSecret string) *Service {
	return &Service{jwtSecret: []byte(jwtSecret)}
}

// ValidateToken validates a JWT token using the service's secret.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(tokenString, s.jwtSecret)
}
