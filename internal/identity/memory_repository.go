package identity

import (
    "context"
    "strings"
    "sync"
)

type memoryRepository struct {
    mu      sync.RWMutex
    byID    map[string]User
    byEmail map[string]string
    byPhone map[string]string
}

// NewMemoryRepository builds an in-memory user store for development and tests.
func NewMemoryRepository() Repository {
    return &memoryRepository{
        byID:    make(map[string]User),
        byEmail: make(map[string]string),
        byPhone: make(map[string]string),
    }
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
    email := strings.ToLower(user.Email)
    r.mu.Lock()
    defer r.mu.Unlock()
    if _, exists := r.byEmail[email]; exists {
        return ErrConflict
    }
    if _, exists := r.byPhone[user.Phone]; exists {
        return ErrConflict
    }
    user.Email = email
    r.byID[user.ID] = user
    r.byEmail[email] = user.ID
    r.byPhone[user.Phone] = user.ID
    return nil
}

func (r *memoryRepository) ExistsByEmail(_ context.Context, email string) (bool, error) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    _, ok := r.byEmail[strings.ToLower(email)]
    return ok, nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    user, ok := r.byID[id]
    if !ok {
        return User{}, ErrNotFound
    }
    return user, nil
}

func (r *memoryRepository) FindByEmail(ctx context.Context, email string) (User, error) {
    r.mu.RLock()
    id, ok := r.byEmail[strings.ToLower(email)]
    r.mu.RUnlock()
    if !ok {
        return User{}, ErrNotFound
    }
    return r.FindByID(ctx, id)
}

func (r *memoryRepository) FindByPhone(ctx context.Context, phone string) (User, error) {
    r.mu.RLock()
    id, ok := r.byPhone[phone]
    r.mu.RUnlock()
    if !ok {
        return User{}, ErrNotFound
    }
    return r.FindByID(ctx, id)
}
