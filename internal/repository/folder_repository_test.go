package repository

import (
	"context"
	"errors"
	"testing"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderCreateMaintainsCounts(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	b := fx.folder(t, 1, a, "B")
	fx.folder(t, 1, a, "C")

	assert.Equal(t, "/A/B", b.Path)
	assert.Equal(t, 1, b.Depth)
	assert.Equal(t, int64(2), fx.reload(t, a.ID).FolderCount)

	dup := &model.Folder{OwnerID: 1, Name: "b", NameCI: model.NameKey("b"), ParentID: &a.ID,
		Path: "/A/b", Depth: 1, AncestorIDs: a.ChildAncestorIDs()}
	err := fx.folders.Create(ctx, dup)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	// 同名但不同所有者互不影响
	fx.folder(t, 2, nil, "A")
}

func TestFolderCreateRejectsStaleParentSnapshot(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	a := fx.folder(t, 1, nil, "A")

	stale := &model.Folder{OwnerID: 1, Name: "X", NameCI: "x", ParentID: &a.ID,
		Path: "/A/X", Depth: 5, AncestorIDs: a.ChildAncestorIDs()}
	err := fx.folders.Create(context.Background(), stale)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestFolderRenameRewritesDescendantPaths(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	b := fx.folder(t, 1, a, "B")
	c := fx.folder(t, 1, b, "C")
	d := fx.folder(t, 1, c, "D")

	renamed, err := fx.folders.Rename(ctx, b.ID, "Beta")
	require.NoError(t, err)
	assert.Equal(t, "/A/Beta", renamed.Path)
	assert.Equal(t, "/A/Beta/C", fx.reload(t, c.ID).Path)
	assert.Equal(t, "/A/Beta/C/D", fx.reload(t, d.ID).Path)
	assert.Equal(t, "/A", fx.reload(t, a.ID).Path)

	fx.folder(t, 1, a, "Other")
	_, err = fx.folders.Rename(ctx, b.ID, "OTHER")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestFolderMoveRejectsCycle(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	b := fx.folder(t, 1, a, "B")
	c := fx.folder(t, 1, b, "C")

	_, err := fx.folders.Move(ctx, a.ID, &c.ID, model.MaxFolderDepth)
	assert.True(t, errors.Is(err, apperr.ErrCycle))
	_, err = fx.folders.Move(ctx, a.ID, &a.ID, model.MaxFolderDepth)
	assert.True(t, errors.Is(err, apperr.ErrCycle))

	// 失败后目录树保持不变
	assert.Nil(t, fx.reload(t, a.ID).ParentID)
	assert.Equal(t, "/A/B/C", fx.reload(t, c.ID).Path)
}

func TestFolderMoveRewritesSubtree(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	b := fx.folder(t, 1, a, "B")
	c := fx.folder(t, 1, b, "C")
	d := fx.folder(t, 1, c, "D")
	x := fx.folder(t, 1, nil, "X")

	moved, err := fx.folders.Move(ctx, c.ID, &x.ID, model.MaxFolderDepth)
	require.NoError(t, err)
	assert.Equal(t, "/X/C", moved.Path)
	assert.Equal(t, 1, moved.Depth)
	assert.Equal(t, x.ChildAncestorIDs(), moved.AncestorIDs)

	dd := fx.reload(t, d.ID)
	assert.Equal(t, "/X/C/D", dd.Path)
	assert.Equal(t, 2, dd.Depth)
	assert.Equal(t, []uint{x.ID, c.ID}, dd.Ancestors())

	assert.Zero(t, fx.reload(t, b.ID).FolderCount)
	assert.Equal(t, int64(1), fx.reload(t, x.ID).FolderCount)

	toRoot, err := fx.folders.Move(ctx, c.ID, nil, model.MaxFolderDepth)
	require.NoError(t, err)
	assert.Equal(t, "/C", toRoot.Path)
	assert.Equal(t, "/C/D", fx.reload(t, d.ID).Path)
	assert.Zero(t, fx.reload(t, x.ID).FolderCount)
}

func TestFolderMoveDepthLimit(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	b := fx.folder(t, 1, a, "B")
	fx.folder(t, 1, b, "C")
	x := fx.folder(t, 1, nil, "X")

	// A 子树最深为 2，挂到 X 下会到达 3
	_, err := fx.folders.Move(ctx, a.ID, &x.ID, 2)
	assert.True(t, errors.Is(err, apperr.ErrDepthExceeded))

	_, err = fx.folders.Move(ctx, a.ID, &x.ID, 3)
	assert.NoError(t, err)
}

func TestFolderTrashCascadeSharesStamp(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	root := fx.folder(t, 1, nil, "Root")
	a := fx.folder(t, 1, root, "A")
	b := fx.folder(t, 1, a, "B")
	f1 := fx.completedFile(t, 1, a, "one.txt", 100)
	f2 := fx.completedFile(t, 1, b, "two.txt", 50)
	assert.Equal(t, int64(150), fx.account(t, 1).UsedBytes)

	at := time.Now().Truncate(time.Second)
	res, err := fx.folders.Trash(ctx, a.ID, 9, at)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FoldersTrashed)
	assert.Equal(t, 2, res.FilesTrashed)
	assert.Equal(t, int64(150), res.BytesReleased)

	for _, id := range []uint{a.ID, b.ID} {
		f := fx.reload(t, id)
		assert.True(t, f.IsTrashed)
		require.NotNil(t, f.TrashedAt)
		assert.True(t, at.Equal(*f.TrashedAt))
		require.NotNil(t, f.TrashedBy)
		assert.Equal(t, uint(9), *f.TrashedBy)
	}
	for _, id := range []uint{f1.ID, f2.ID} {
		f := fx.reloadFile(t, id)
		assert.True(t, f.IsTrashed)
		assert.True(t, at.Equal(*f.TrashedAt))
	}

	assert.Zero(t, fx.reload(t, root.ID).FolderCount)
	assert.Zero(t, fx.account(t, 1).UsedBytes)

	_, err = fx.folders.Trash(ctx, a.ID, 9, at)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestFolderTrashKeepsEarlierStamps(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	b := fx.folder(t, 1, a, "B")

	first := time.Now().Add(-time.Hour).Truncate(time.Second)
	_, err := fx.folders.Trash(ctx, b.ID, 1, first)
	require.NoError(t, err)

	second := time.Now().Truncate(time.Second)
	res, err := fx.folders.Trash(ctx, a.ID, 1, second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FoldersTrashed)
	assert.True(t, first.Equal(*fx.reload(t, b.ID).TrashedAt))
}

func TestFolderRestoreIsNotRecursive(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	root := fx.folder(t, 1, nil, "Root")
	a := fx.folder(t, 1, root, "A")
	b := fx.folder(t, 1, a, "B")
	f := fx.completedFile(t, 1, a, "doc.txt", 10)

	_, err := fx.folders.Trash(ctx, a.ID, 1, time.Now())
	require.NoError(t, err)

	// 父节点仍在回收站时子节点不能单独恢复
	_, err = fx.folders.Restore(ctx, b.ID)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	restored, err := fx.folders.Restore(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsTrashed)
	assert.Nil(t, restored.TrashedAt)
	assert.True(t, fx.reload(t, b.ID).IsTrashed)
	assert.True(t, fx.reloadFile(t, f.ID).IsTrashed)
	assert.Equal(t, int64(1), fx.reload(t, root.ID).FolderCount)

	_, err = fx.folders.Restore(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fx.reload(t, a.ID).FolderCount)
}

func TestFolderRestoreNameConflict(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	old := fx.folder(t, 1, nil, "Reports")
	_, err := fx.folders.Trash(ctx, old.ID, 1, time.Now())
	require.NoError(t, err)
	fx.folder(t, 1, nil, "reports")

	_, err = fx.folders.Restore(ctx, old.ID)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestFolderDeleteTree(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	root := fx.folder(t, 1, nil, "Root")
	a := fx.folder(t, 1, root, "A")
	b := fx.folder(t, 1, a, "B")
	fx.folder(t, 1, b, "C")
	fx.completedFile(t, 1, a, "one.bin", 30)
	fx.completedFile(t, 1, b, "two.bin", 20)
	keep := fx.completedFile(t, 1, root, "keep.bin", 5)

	res, err := fx.folders.DeleteTree(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.DeletedFolders)
	assert.Len(t, res.DeletedFiles, 2)
	assert.Equal(t, int64(50), res.BytesReleased)

	_, err = fx.folders.GetByID(ctx, b.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	r := fx.reload(t, root.ID)
	assert.Zero(t, r.FolderCount)
	assert.Equal(t, int64(1), r.FileCount)
	assert.Equal(t, int64(5), r.TotalSize)
	assert.Equal(t, int64(5), fx.account(t, 1).UsedBytes)
	assert.Equal(t, keep.ID, fx.reloadFile(t, keep.ID).ID)
}

func TestCollectSubtreeLiveOnly(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	b := fx.folder(t, 1, a, "B")
	fx.folder(t, 1, b, "C")
	d := fx.folder(t, 1, a, "D")
	fx.completedFile(t, 1, d, "x", 1)

	_, err := fx.folders.Trash(ctx, b.ID, 1, time.Now())
	require.NoError(t, err)

	all, err := fx.folders.CollectSubtree(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Len(t, all.Folders, 4)

	live, err := fx.folders.CollectSubtree(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Len(t, live.Folders, 2)
	assert.Len(t, live.Files, 1)
}

func TestRecountChildrenRepairsDrift(t *testing.T) {
	fx := newFixture(testutil.NewDB(t))
	ctx := context.Background()

	a := fx.folder(t, 1, nil, "A")
	fx.folder(t, 1, a, "B")
	fx.completedFile(t, 1, a, "f", 42)

	require.NoError(t, fx.folders.ApplyCounters(ctx, a.ID, CounterDelta{Files: 7, Folders: -5, Size: 1000}))
	drifted := fx.reload(t, a.ID)
	assert.Zero(t, drifted.FolderCount)

	fixed, err := fx.folders.RecountChildren(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fixed.FileCount)
	assert.Equal(t, int64(1), fixed.FolderCount)
	assert.Equal(t, int64(42), fixed.TotalSize)
}
