package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

const maxPhoneLen = 15

// Signup registers a shopper. Phone numbers are unique.
func (s *Service) Signup(ctx context.Context, name, phone, email string) (*domain.User, error) {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" || phone == "" {
		return nil, fmt.Errorf("%w: name and phone are required", domain.ErrInvalidArgument)
	}
	if len(phone) > maxPhoneLen || strings.IndexFunc(strings.TrimPrefix(phone, "+"), func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
		return nil, fmt.Errorf("%w: phone must be up to %d digits", domain.ErrInvalidArgument, maxPhoneLen)
	}

	user := &domain.User{
		ID:        uuid.New().String(),
		Name:      name,
		Phone:     phone,
		Email:     strings.TrimSpace(email),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}
