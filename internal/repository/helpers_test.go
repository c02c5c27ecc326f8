package repository

import (
	"context"
	"testing"
	"vault-drive-go/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	folders  FolderRepository
	files    FileRepository
	accounts AccountRepository
}

func newFixture(db *gorm.DB) *fixture {
	return &fixture{
		db:       db,
		folders:  NewFolderRepository(db),
		files:    NewFileRepository(db),
		accounts: NewAccountRepository(db),
	}
}

func (fx *fixture) folder(t *testing.T, owner uint, parent *model.Folder, name string) *model.Folder {
	t.Helper()
	f := &model.Folder{
		OwnerID:     owner,
		Name:        name,
		NameCI:      model.NameKey(name),
		Path:        model.JoinPath("", name),
		AncestorIDs: "/",
	}
	if parent != nil {
		pid := parent.ID
		f.ParentID = &pid
		f.Path = model.JoinPath(parent.Path, name)
		f.Depth = parent.Depth + 1
		f.AncestorIDs = parent.ChildAncestorIDs()
	}
	require.NoError(t, fx.folders.Create(context.Background(), f))
	return f
}

func (fx *fixture) reload(t *testing.T, id uint) *model.Folder {
	t.Helper()
	f, err := fx.folders.GetByID(context.Background(), id)
	require.NoError(t, err)
	return f
}

func (fx *fixture) reloadFile(t *testing.T, id uint) *model.File {
	t.Helper()
	f, err := fx.files.GetByID(context.Background(), id)
	require.NoError(t, err)
	return f
}

func (fx *fixture) account(t *testing.T, owner uint) *model.StorageAccount {
	t.Helper()
	acc, err := fx.accounts.Get(context.Background(), owner)
	require.NoError(t, err)
	return acc
}

func pendingFile(owner uint, folder *model.Folder, name string, size int64) *model.File {
	f := &model.File{
		OwnerID:         owner,
		Name:            name,
		NameCI:          model.NameKey(name),
		OriginalName:    name,
		Size:            size,
		StorageKey:      "users/test/" + uuid.NewString(),
		StorageProvider: "local",
		Version:         1,
		IsLatestVersion: true,
		VersionHistory:  []uint{},
	}
	if folder != nil {
		id := folder.ID
		f.FolderID = &id
	}
	return f
}

// completedFile 走一遍 pending → processing → completed，字节先预占再转入用量。
func (fx *fixture) completedFile(t *testing.T, owner uint, folder *model.Folder, name string, size int64) *model.File {
	t.Helper()
	ctx := context.Background()
	_, err := fx.accounts.Ensure(ctx, owner, "free")
	require.NoError(t, err)
	require.NoError(t, fx.accounts.Reserve(ctx, owner, size, model.UnlimitedQuota))

	f := pendingFile(owner, folder, name, size)
	require.NoError(t, fx.files.CreatePending(ctx, f))
	require.NoError(t, fx.files.MarkProcessing(ctx, f.ID))
	done, err := fx.files.Finalize(ctx, f.ID, "abc123", size, size)
	require.NoError(t, err)
	return done
}
