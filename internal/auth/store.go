package auth

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// UserStore is implemented by the Postgres Store and the in-memory store.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
	Insert(ctx context.Context, u *User) error
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var ErrUserNotFound = errors.New("user not found")

func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	const q = `SELECT id, username, password_hash, role, company_id, created_at FROM users WHERE username = $1`
	row := s.db.QueryRowContext(ctx, q, username)
	u := &User{}
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CompanyID, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) Insert(ctx context.Context, u *User) error {
	const q = `
		INSERT INTO users (username, password_hash, role, company_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return s.db.QueryRowContext(ctx, q, u.Username, u.PasswordHash, u.Role, u.CompanyID, time.Now().UTC()).
		Scan(&u.ID, &u.CreatedAt)
}

// CreateUser hashes password and stores a new user.
func CreateUser(ctx context.Context, store UserStore, username, password string, role Role, companyID string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CompanyID:    companyID,
	}
	if err := store.Insert(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

type usersFile struct {
	Users []struct {
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		Role      Role   `yaml:"role"`
		CompanyID string `yaml:"company_id"`
	} `yaml:"users"`
}

// SeedFromFile creates the users listed in a YAML file that do not exist yet.
func SeedFromFile(ctx context.Context, store UserStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var uf usersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return err
	}
	for _, u := range uf.Users {
		if u.Username == "" || u.Password == "" || !u.Role.Valid() {
			continue
		}
		if _, err := store.GetByUsername(ctx, u.Username); err == nil {
			continue
		} else if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		if _, err := CreateUser(ctx, store, u.Username, u.Password, u.Role, u.CompanyID); err != nil {
			return err
		}
	}
	return nil
}
