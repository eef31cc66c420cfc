package store

import (
	"context"
	"time"
)

// Backend is the storage contract shared by Store, Memory and pgstore.Store.
//
// Update ids are strictly increasing in append order. A write failure is
// reported as an errs StorageWrite error.
type Backend interface {
	LoadDoc(ctx context.Context, name string) (Snapshot, bool, error)
	SaveDoc(ctx context.Context, name string, state, summary []byte) error
	DeleteDoc(ctx context.Context, name string) error
	ListDocs(ctx context.Context) ([]string, error)

	AppendUpdate(ctx context.Context, u Update) (int64, error)
	GetUpdatesSince(ctx context.Context, name string, afterID int64) ([]Update, error)
	GetAllUpdates(ctx context.Context, name string) ([]Update, error)
	GetLatestUpdateID(ctx context.Context, name string) (int64, error)
	Compact(ctx context.Context, name string, keep int) (int, error)
	CompactionBase(ctx context.Context, name string) (Base, error)

	UpdateFileIndex(ctx context.Context, rows []FileIndexRow) error
	QueryActiveFiles(ctx context.Context) ([]FileIndexRow, error)
	QueryAllFiles(ctx context.Context) ([]FileIndexRow, error)
	RemoveFromFileIndex(ctx context.Context, paths ...string) error
	PurgeDeletedFiles(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*Memory)(nil)
)
