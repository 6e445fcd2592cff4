// Package auth manages the operators allowed to queue jobs and publish pools.
package auth

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/stevecastle/haploscope/middleware"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrInvalidCreds     = errors.New("invalid credentials")
	ErrOperatorExists   = errors.New("operator already exists")
	ErrLastOperator     = errors.New("cannot delete the last operator")
)

// DefaultTokenTTL is how long a login token stays valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

type Operator struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"created_at"`
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Service struct {
	db        *sql.DB
	jwtSecret []byte
	TokenTTL  time.Duration
}

func NewService(db *sql.DB, secret string) *Service {
	return &Service{
		db:        db,
		jwtSecret: []byte(secret),
		TokenTTL:  DefaultTokenTTL,
	}
}

// InitializeSchema creates the operators table.
func (s *Service) InitializeSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS operators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	return err
}

// CreateDefaultOperator creates an admin operator if none exist. It reports
// whether one was created.
func (s *Service) CreateDefaultOperator() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM operators").Scan(&count); err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	return true, s.Register("admin", "admin")
}

func (s *Service) Register(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return ErrInvalidCreds
	}
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM operators WHERE username = ?", username).Scan(&exists)
	if err == nil {
		return ErrOperatorExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("INSERT INTO operators (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, string(hash), time.Now().Unix())
	return err
}

// Login checks the password and returns a signed token.
func (s *Service) Login(username, password string) (string, error) {
	var op Operator
	err := s.db.QueryRow("SELECT id, username, password_hash FROM operators WHERE username = ?", username).
		Scan(&op.ID, &op.Username, &op.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCreds
	} else if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCreds
	}

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Service) ListOperators() ([]Operator, error) {
	rows, err := s.db.Query("SELECT id, username, created_at FROM operators ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operator
	for rows.Next() {
		var o Operator
		if err := rows.Scan(&o.ID, &o.Username, &o.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, rows.Err()
}

func (s *Service) DeleteOperator(username string) error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM operators").Scan(&count); err != nil {
		return err
	}
	if count <= 1 {
		return ErrLastOperator
	}

	res, err := s.db.Exec("DELETE FROM operators WHERE username = ?", username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// tokenFromRequest reads a bearer token, falling back to the token query
// parameter that EventSource clients have to use.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid operator token.
func (s *Service) Middleware(next http.Handler, role middleware.AuthRole) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role == middleware.RolePublic {
			next.ServeHTTP(w, r)
			return
		}
		tok := tokenFromRequest(r)
		if tok == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := s.VerifyToken(tok); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
