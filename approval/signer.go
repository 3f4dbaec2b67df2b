package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wareops/credguard/internal"
)

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

var (
	ErrTokenInvalid  = errors.New("approval token invalid")
	ErrTokenExpired  = errors.New("approval token expired")
	ErrTokenMismatch = errors.New("approval token does not match request")
)

// Claims embeds the subject, issuance time and a random nonce (jti).
type Claims struct {
	Action string `json:"act"`
	jwt.RegisteredClaims
}

// Signer issues and checks HS256 approval tokens.
type Signer struct {
	secret []byte
	maxAge time.Duration
	issuer string
	now    func() time.Time
}

// NewSigner returns a signer. now may be nil.
func NewSigner(secret []byte, maxAge time.Duration, issuer string, now func() time.Time) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("approval secret must be at least 32 bytes")
	}
	if maxAge <= 0 {
		return nil, errors.New("approval max age must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key, maxAge: maxAge, issuer: issuer, now: now}, nil
}

// Issue signs a token allowing action on subjectID.
func (s *Signer) Issue(subjectID, action string) (string, error) {
	if subjectID == "" || (action != ActionApprove && action != ActionReject) {
		return "", ErrTokenInvalid
	}
	nonce, err := internal.NewNonce()
	if err != nil {
		return "", err
	}

	issuedAt := s.now()
	claims := Claims{
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    s.issuer,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.maxAge)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature, age, subject and action of token.
func (s *Signer) Verify(token, subjectID, action string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.IssuedAt == nil || s.now().Sub(claims.IssuedAt.Time) > s.maxAge {
		return nil, ErrTokenExpired
	}
	if claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	if claims.Subject != subjectID || claims.Action != action {
		return nil, ErrTokenMismatch
	}
	return claims, nil
}
