package usecase

import (
	"context"
	"time"

	"github.com/example/icba-classifier/internal/repository"
	"github.com/example/icba-classifier/internal/storage"
)

// UploadRegistry tracks uploads that have been stored but not yet consumed.
type UploadRegistry interface {
	Register(ctx context.Context, rec *repository.UploadRecord) error
	Release(ctx context.Context, key string) error
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// DirectoryRegistry derives pending uploads from file modification times.
// It is used when the uploads live on local disk and no database is configured.
type DirectoryRegistry struct {
	store *storage.LocalStore
}

// NewDirectoryRegistry wraps a local store.
func NewDirectoryRegistry(store *storage.LocalStore) *DirectoryRegistry {
	return &DirectoryRegistry{store: store}
}

func (r *DirectoryRegistry) Register(context.Context, *repository.UploadRecord) error { return nil }

func (r *DirectoryRegistry) Release(context.Context, string) error { return nil }

func (r *DirectoryRegistry) FindStale(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	return r.store.ListOlderThan(cutoff, limit)
}

type nopRegistry struct{}

func (nopRegistry) Register(context.Context, *repository.UploadRecord) error { return nil }

func (nopRegistry) Release(context.Context, string) error { return nil }

func (nopRegistry) FindStale(context.Context, time.Time, int) ([]string, error) { return nil, nil }
