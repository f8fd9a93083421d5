package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/isucon/isucon8-final/internal/bank"
	"github.com/isucon/isucon8-final/internal/db"
	"github.com/isucon/isucon8-final/internal/models"
)

// Service handles signup and signin. Signup validates the bank account before
// the user row is created; signin issues a JWT carrying the user id.
type Service struct {
	db     *db.DB
	bank   *bank.Client
	secret []byte
}

func NewService(database *db.DB, bk *bank.Client, secret string) *Service {
	return &Service{db: database, bank: bk, secret: []byte(secret)}
}

func (s *Service) Signup(ctx context.Context, name, bankID, password string) (*models.User, error) {
	if name == "" || bankID == "" || password == "" {
		return nil, models.ErrParameterInvalid
	}
	if err := s.bank.Check(ctx, bankID, 0); err != nil {
		if errors.Cause(err) == models.ErrBankAccountNotFound {
			return nil, models.ErrBankAccountNotFound
		}
		return nil, errors.Wrap(err, "validate bank account")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	return s.db.CreateUser(ctx, s.db.Pool, bankID, name, string(hash))
}

// Signin verifies credentials and returns the user with a signed token. An
// unknown bank id and a wrong password are indistinguishable to the caller.
func (s *Service) Signin(ctx context.Context, bankID, password string) (*models.User, string, error) {
	if bankID == "" || password == "" {
		return nil, "", models.ErrParameterInvalid
	}
	user, err := s.db.GetUserByBankID(ctx, s.db.Pool, bankID)
	if err != nil {
		if errors.Cause(err) == models.ErrUserNotFound {
			return nil, "", models.ErrUserNotFound
		}
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return nil, "", models.ErrUserNotFound
		}
		return nil, "", errors.Wrap(err, "compare password")
	}
	s.db.Audit.Record(ctx, "signin", map[string]interface{}{
		"user_id": user.ID,
	})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, "", errors.Wrap(err, "sign token")
	}
	return user, signed, nil
}

// UserFromToken extracts the user id from a signed token.
func (s *Service) UserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "parse token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, models.ErrUserNotFound
	}
	id, ok := claims["user_id"].(float64)
	if !ok {
		return 0, models.ErrUserNotFound
	}
	return int64(id), nil
}
