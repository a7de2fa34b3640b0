// Package gate guards catalog editing behind the venue's shared passcode. A correct
// passcode yields a short-lived signed token that callers present on later edits.
package gate

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"ardoise/internal/domain"
)

var (
	ErrDisabled     = errors.New("catalog passcode is not configured")
	ErrWrongCode    = errors.New("wrong passcode")
	ErrInvalidToken = errors.New("invalid or expired unlock token")
)

const issuer = "ardoise"

type Gate struct {
	hash   []byte
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type unlockClaims struct {
	jwtlib.RegisteredClaims
	Scope string `json:"scope"`
}

const scopeCatalog = "catalog"

// New builds a gate from a plain passcode or a bcrypt hash of one. An empty passcode
// returns a gate that refuses every unlock.
func New(passcode string, secret string, ttl time.Duration) (*Gate, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	g := &Gate{secret: []byte(secret), ttl: ttl, now: time.Now}

	passcode = strings.TrimSpace(passcode)
	if passcode == "" {
		return g, nil
	}
	if isPasscodeHash(passcode) {
		g.hash = []byte(passcode)
		return g, nil
	}
	hash, err := HashPasscode(passcode)
	if err != nil {
		return nil, err
	}
	g.hash = []byte(hash)
	return g, nil
}

func HashPasscode(passcode string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func (g *Gate) Enabled() bool {
	return len(g.hash) > 0
}

// Unlock checks passcode and returns a signed token for operator with its expiry.
func (g *Gate) Unlock(operator string, passcode string) (string, time.Time, error) {
	if !g.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	input := strings.TrimSpace(passcode)
	if input == "" || bcrypt.CompareHashAndPassword(g.hash, []byte(input)) != nil {
		return "", time.Time{}, ErrWrongCode
	}

	now := g.now().UTC()
	expiresAt := now.Add(g.ttl)
	claims := unlockClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		Scope: scopeCatalog,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify turns an unlock token back into the operator it was issued to.
func (g *Gate) Verify(token string) (domain.Operator, error) {
	claims := &unlockClaims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithTimeFunc(g.now),
	)
	if err != nil || !parsed.Valid || claims.Scope != scopeCatalog {
		return domain.Operator{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return domain.Operator{}, ErrInvalidToken
	}
	return domain.Operator{Name: sub, CatalogUnlocked: true}, nil
}

func isPasscodeHash(value string) bool {
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}
