package service

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/testutil"
	"vault-drive-go/pkg/objectstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = []byte("abcdefghijklmnopqrstuvwxy") // 25 字节，3 个分片

func TestChunkedUploadOutOfOrderWithDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.uploads.Open(ctx, alice, OpenRequest{
		Name:     "report.pdf",
		Size:     int64(len(payload)),
		MimeType: "application/pdf",
		Checksum: strings.ToUpper(objectstore.SumBytes(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StrategyChunked, res.Strategy)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 3, res.MaxChunks)
	assert.Equal(t, int64(testChunkSize), res.ChunkSize)
	assert.Empty(t, res.UploadURL)
	assert.Equal(t, int64(25), e.usage(t, alice).Reserved)

	receipts := e.sendChunks(t, alice, res.UploadID, payload, 1, 0, 2, 0)
	assert.Equal(t, []int{1, 2, 3, 3}, []int{receipts[0].ReceivedCount, receipts[1].ReceivedCount, receipts[2].ReceivedCount, receipts[3].ReceivedCount})
	for _, r := range receipts {
		assert.True(t, r.Received)
	}
	assert.False(t, receipts[2].Duplicate)
	assert.True(t, receipts[3].Duplicate)

	st, err := e.uploads.Status(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionReceiving, st.State)
	assert.Equal(t, []int{0, 1, 2}, st.ReceivedChunks)
	assert.InDelta(t, 100.0, st.Progress, 0.001)

	f, err := e.uploads.Finalize(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, f.ProcessingStatus)
	assert.Equal(t, objectstore.SumBytes(payload), f.Checksum)
	assert.Equal(t, int64(25), f.Size)
	assert.Equal(t, payload, e.read(t, f.StorageKey))

	u := e.usage(t, alice)
	assert.Equal(t, int64(25), u.Used)
	assert.Zero(t, u.Reserved)

	again, err := e.uploads.Finalize(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, int64(25), e.usage(t, alice).Used)

	e.uploads.Wait()
	for i := 0; i < 3; i++ {
		assert.False(t, e.exists(t, chunkKey(res.UploadID, i)))
	}

	st, err = e.uploads.Status(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, st.State)
	assert.Equal(t, f.Checksum, st.Checksum)
}

func TestDirectUpload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	data := []byte("hello")

	res, err := e.uploads.Open(ctx, alice, OpenRequest{Name: "hi.txt", Size: int64(len(data))})
	require.NoError(t, err)
	assert.Equal(t, model.StrategyDirect, res.Strategy)
	assert.True(t, strings.HasPrefix(res.UploadURL, testutil.BlobBaseURL+"/"))

	_, err = e.uploads.Finalize(ctx, alice, res.UploadID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	st, err := e.uploads.Status(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCreated, st.State)

	_, err = e.uploads.SubmitChunk(ctx, alice, res.UploadID, 0, bytes.NewReader(data), 5)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	e.sendBytes(t, alice, res, data)
	f, err := e.uploads.Finalize(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, "txt", f.Extension)
	assert.Equal(t, int64(5), e.usage(t, alice).Used)
}

func TestFinalizeRequiresAllChunks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.uploads.Open(ctx, alice, OpenRequest{Name: "a.bin", Size: int64(len(payload))})
	require.NoError(t, err)
	e.sendChunks(t, alice, res.UploadID, payload, 0, 2)

	_, err = e.uploads.Finalize(ctx, alice, res.UploadID)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	e.sendChunks(t, alice, res.UploadID, payload, 1)
	_, err = e.uploads.Finalize(ctx, alice, res.UploadID)
	require.NoError(t, err)
}

func TestChecksumMismatchAbortsUpload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.uploads.Open(ctx, alice, OpenRequest{
		Name:     "a.bin",
		Size:     int64(len(payload)),
		Checksum: objectstore.SumBytes([]byte("something else")),
	})
	require.NoError(t, err)
	pending, err := e.fileRepo.GetByID(ctx, res.FileID)
	require.NoError(t, err)
	e.sendChunks(t, alice, res.UploadID, payload, 0, 1, 2)

	_, err = e.uploads.Finalize(ctx, alice, res.UploadID)
	assert.ErrorIs(t, err, apperr.ErrChecksumMismatch)

	_, err = e.fileRepo.GetByID(ctx, res.FileID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	u := e.usage(t, alice)
	assert.Zero(t, u.Used)
	assert.Zero(t, u.Reserved)
	assert.False(t, e.exists(t, pending.StorageKey))

	st, err := e.uploads.Status(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionAborted, st.State)

	e.uploads.Wait()
	assert.False(t, e.exists(t, chunkKey(res.UploadID, 0)))
}

func TestAbortUpload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.uploads.Open(ctx, alice, OpenRequest{Name: "a.bin", Size: int64(len(payload))})
	require.NoError(t, err)
	e.sendChunks(t, alice, res.UploadID, payload, 0)

	assert.ErrorIs(t, e.uploads.Abort(ctx, bob, res.UploadID), apperr.ErrAccessDenied)
	require.NoError(t, e.uploads.Abort(ctx, alice, res.UploadID))

	assert.Zero(t, e.usage(t, alice).Reserved)
	_, err = e.fileRepo.GetByID(ctx, res.FileID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = e.uploads.SubmitChunk(ctx, alice, res.UploadID, 1, bytes.NewReader(chunkOf(payload, 1)), testChunkSize)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.ErrorIs(t, e.uploads.Abort(ctx, alice, res.UploadID), apperr.ErrConflict)

	e.uploads.Wait()
	assert.False(t, e.exists(t, chunkKey(res.UploadID, 0)))
}

func TestSweepExpiredSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.uploads.Open(ctx, alice, OpenRequest{Name: "a.bin", Size: int64(len(payload))})
	require.NoError(t, err)
	e.sendChunks(t, alice, res.UploadID, payload, 0)
	done := e.upload(t, alice, nil, "kept.txt", []byte("kept"))

	n, err := e.uploads.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.uploads.SweepExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.uploads.SubmitChunk(ctx, alice, res.UploadID, 1, bytes.NewReader(chunkOf(payload, 1)), testChunkSize)
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
	_, err = e.uploads.Finalize(ctx, alice, res.UploadID)
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)

	u := e.usage(t, alice)
	assert.Zero(t, u.Reserved)
	assert.Equal(t, done.Size, u.Used)
	_, err = e.fileRepo.GetByID(ctx, res.FileID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	n, err = e.uploads.SweepExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	sweeper := NewSweeper(e.uploads, time.Minute)
	assert.Zero(t, sweeper.RunOnce(ctx, time.Now().Add(2*time.Hour)))
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	other := e.folder(t, bob, nil, "bob")
	trashed := e.folder(t, alice, nil, "old")
	_, err := e.namespace.Trash(ctx, alice, trashed.ID)
	require.NoError(t, err)

	cases := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"empty name", OpenRequest{Name: "  ", Size: 5}, apperr.ErrValidation},
		{"zero size", OpenRequest{Name: "a", Size: 0}, apperr.ErrValidation},
		{"too large", OpenRequest{Name: "a", Size: 1001}, apperr.ErrValidation},
		{"bad checksum", OpenRequest{Name: "a", Size: 5, Checksum: "xyz"}, apperr.ErrValidation},
		{"foreign folder", OpenRequest{Name: "a", Size: 5, FolderID: &other.ID}, apperr.ErrAccessDenied},
		{"trashed folder", OpenRequest{Name: "a", Size: 5, FolderID: &trashed.ID}, apperr.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.uploads.Open(ctx, alice, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, e.usage(t, alice).Reserved)
}

func TestOpenRejectsOverQuota(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	small := model.Caller{UserID: 7, Tier: "small"}

	_, err := e.uploads.Open(ctx, small, OpenRequest{Name: "a", Size: 60})
	require.NoError(t, err)
	_, err = e.uploads.Open(ctx, small, OpenRequest{Name: "b", Size: 60})
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	var pending int64
	require.NoError(t, e.db.Model(&model.File{}).Where("owner_id = ?", small.UserID).Count(&pending).Error)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(60), e.usage(t, small).Reserved)
}

func TestConcurrentOpensRespectQuota(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	small := model.Caller{UserID: 7, Tier: "small"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.uploads.Open(ctx, small, OpenRequest{Name: "f.bin", Size: 60}); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, int64(60), e.usage(t, small).Reserved)
}

func TestReplaceUploadCreatesVersion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	dir := e.folder(t, alice, nil, "docs")
	v1 := e.upload(t, alice, &dir.ID, "notes.txt", []byte("first"))

	res, err := e.uploads.Open(ctx, alice, OpenRequest{Name: "notes.txt", Size: int64(len(payload)), ReplaceFileID: v1.ID})
	require.NoError(t, err)
	_, err = e.uploads.Open(ctx, alice, OpenRequest{Name: "notes.txt", Size: 3, ReplaceFileID: v1.ID})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	e.sendBytes(t, alice, res, payload)
	v2, err := e.uploads.Finalize(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, v2.IsLatestVersion)
	assert.Equal(t, v1.ChainID, v2.ChainID)
	assert.Equal(t, dir.ID, *v2.FolderID)

	versions, err := e.files.ListVersions(ctx, alice, v1.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsLatestVersion)

	folder := e.reloadFolder(t, dir.ID)
	assert.Equal(t, int64(1), folder.FileCount)
	assert.Equal(t, int64(25), folder.TotalSize)
	assert.Equal(t, int64(30), e.usage(t, alice).Used)

	// 替换会话结束后可以再次开启
	_, err = e.uploads.Open(ctx, alice, OpenRequest{Name: "notes.txt", Size: 3, ReplaceFileID: v2.ID})
	require.NoError(t, err)
}

func TestSubmitChunkValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res, err := e.uploads.Open(ctx, alice, OpenRequest{Name: "a.bin", Size: int64(len(payload))})
	require.NoError(t, err)

	_, err = e.uploads.SubmitChunk(ctx, bob, res.UploadID, 0, bytes.NewReader(chunkOf(payload, 0)), testChunkSize)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, err = e.uploads.SubmitChunk(ctx, alice, res.UploadID, 3, bytes.NewReader(chunkOf(payload, 0)), testChunkSize)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.uploads.SubmitChunk(ctx, alice, res.UploadID, 2, bytes.NewReader(chunkOf(payload, 0)), testChunkSize)
	assert.ErrorIs(t, err, apperr.ErrValidation, "last chunk is 5 bytes")
	_, err = e.uploads.SubmitChunk(ctx, alice, res.UploadID, 0, bytes.NewReader([]byte("short")), -1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.uploads.SubmitChunk(ctx, alice, "missing", 0, bytes.NewReader(chunkOf(payload, 0)), testChunkSize)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	st, err := e.uploads.Status(ctx, alice, res.UploadID)
	require.NoError(t, err)
	assert.Empty(t, st.ReceivedChunks)
}
