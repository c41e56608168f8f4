package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

// jwtSecret signs operator tokens. Override via LMSCORE_JWT_SECRET.
var jwtSecret = func() []byte {
	if s := os.Getenv("LMSCORE_JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("lmscore-signing-server-secret-change-in-production")
}()

// User represents an operator account
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Never sent to client
	CreatedAt    time.Time `json:"created_at"`
}

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthServer handles operator authentication
type AuthServer struct {
	db *bolt.DB
}

// storedUser is the on-disk form, password hash included.
type storedUser struct {
	User
	PasswordHash string `json:"password_hash"`
}

// NewAuthServer opens the user database and ensures its buckets exist.
func NewAuthServer(dbPath string) (*AuthServer, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte("users")); err != nil {
			return fmt.Errorf("failed to create users bucket: %v", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte("username_index")); err != nil {
			return fmt.Errorf("failed to create username_index bucket: %v", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &AuthServer{db: db}, nil
}

// Close closes the user database.
func (a *AuthServer) Close() error {
	return a.db.Close()
}

// RegisterRequest represents a registration request
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(AuthResponse{Success: false, Error: msg})
}

// Register handles operator registration
func (a *AuthServer) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeAuthError(w, http.StatusBadRequest, "username is required")
		return
	}
	if len(req.Password) < 6 {
		writeAuthError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to hash password: %v", err))
		return
	}

	user := &storedUser{
		User: User{
			ID:        generateUserID(),
			Username:  req.Username,
			CreatedAt: time.Now().UTC(),
		},
		PasswordHash: string(hash),
	}

	if err := a.storeUser(user); err != nil {
		writeAuthError(w, http.StatusConflict, err.Error())
		return
	}

	token, err := a.generateToken(&user.User)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to generate token: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{Success: true, Token: token, User: &user.User})
}

// Login handles operator login
func (a *AuthServer) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	user, err := a.getUserByUsername(strings.TrimSpace(req.Username))
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, err := a.generateToken(&user.User)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to generate token: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{Success: true, Token: token, User: &user.User})
}

// RequireAuth wraps a handler with bearer-token validation.
func (a *AuthServer) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractTokenFromHeader(r)
		if tokenString == "" {
			writeAuthError(w, http.StatusUnauthorized, "no authorization token")
			return
		}
		if _, err := ValidateToken(tokenString); err != nil {
			writeAuthError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		next(w, r)
	}
}

func (a *AuthServer) storeUser(user *storedUser) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket([]byte("users"))
		index := tx.Bucket([]byte("username_index"))

		if existing := index.Get([]byte(user.Username)); existing != nil {
			return fmt.Errorf("username already exists")
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %v", err)
		}
		if err := users.Put([]byte(user.ID), data); err != nil {
			return fmt.Errorf("failed to store user: %v", err)
		}
		return index.Put([]byte(user.Username), []byte(user.ID))
	})
}

func (a *AuthServer) getUserByUsername(username string) (*storedUser, error) {
	var user *storedUser
	err := a.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte("username_index"))
		userID := index.Get([]byte(username))
		if userID == nil {
			return fmt.Errorf("user not found")
		}

		users := tx.Bucket([]byte("users"))
		data := users.Get(userID)
		if data == nil {
			return fmt.Errorf("user not found")
		}

		user = &storedUser{}
		return json.Unmarshal(data, user)
	})
	return user, err
}

func (a *AuthServer) generateToken(user *User) (string, error) {
	expirationTime := time.Now().Add(24 * time.Hour)

	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateToken validates a JWT token and returns its claims.
func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func extractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func generateUserID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
