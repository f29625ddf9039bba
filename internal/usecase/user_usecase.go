package usecase

import (
	"context"
	"errors"
	"time"

	"chatsync/infrastructure/cache"
	"chatsync/internal/entity"
	"chatsync/internal/repository"
)

// UserUsecase reads display data from the profile directory.
type UserUsecase interface {
	Get(ctx context.Context, userId string) (entity.User, error)
	// ParticipantInfo never fails: an unknown or unreachable profile yields
	// the bare user id as name.
	ParticipantInfo(ctx context.Context, userId string) entity.ParticipantInfo
}

type userUsecase struct {
	userRepo repository.UserRepository
	cache    *cache.MemCache
	ttl      time.Duration
}

func NewUserUseCase(userRepo repository.UserRepository, profiles *cache.MemCache, ttl time.Duration) UserUsecase {
	return &userUsecase{
		userRepo: userRepo,
		cache:    profiles,
		ttl:      ttl,
	}
}

func (u *userUsecase) Get(ctx context.Context, userId string) (entity.User, error) {
	if u.cache != nil {
		if v, ok := u.cache.Get("user:" + userId); ok {
			return v.(entity.User), nil
		}
	}

	user, err := u.userRepo.Get(ctx, userId)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return entity.User{}, err
		}
		return entity.User{}, storageErr(err)
	}

	if u.cache != nil {
		u.cache.Set("user:"+userId, user, u.ttl)
	}
	return user, nil
}

func (u *userUsecase) ParticipantInfo(ctx context.Context, userId string) entity.ParticipantInfo {
	user, err := u.Get(ctx, userId)
	if err != nil {
		return entity.ParticipantInfo{Name: userId}
	}
	return user.ParticipantInfo()
}
