package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"testing"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = []byte("0123456789abcdefghijKLMNO")

func TestChunkedUploadAndDownload(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")
	dir := s.createFolder(t, tok, nil, "docs")

	f := s.uploadFile(t, tok, &dir.ID, "notes.bin", payload)
	assert.Equal(t, model.StatusCompleted, f.ProcessingStatus)
	assert.Equal(t, int64(len(payload)), f.Size)
	require.NotNil(t, f.FolderID)
	assert.Equal(t, dir.ID, *f.FolderID)

	w := s.do(http.MethodGet, "/api/v1/files/"+strconv.Itoa(int(f.ID))+"/download", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var link struct {
		URL string `json:"url"`
	}
	decode(t, w, &link)

	w = s.do(http.MethodGet, blobPath(t, link.URL), "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, w.Body.Bytes())
	assert.Equal(t, `attachment; filename=notes.bin`, w.Header().Get("Content-Disposition"))

	w = s.do(http.MethodGet, "/api/v1/files/"+strconv.Itoa(int(f.ID))+"/download?preview=true", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &link)
	w = s.do(http.MethodGet, blobPath(t, link.URL), "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "inline", w.Header().Get("Content-Disposition"))

	w = s.do(http.MethodGet, "/api/v1/folders/"+strconv.Itoa(int(dir.ID))+"/children", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var listing service.Listing
	decode(t, w, &listing)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, int64(len(payload)), listing.Folder.TotalSize)
}

func TestDirectUploadThroughBlobEndpoint(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")

	f := s.uploadFile(t, tok, nil, "tiny.txt", []byte("hello"))
	assert.Equal(t, int64(5), f.Size)
	assert.NotEmpty(t, f.Checksum)

	w := s.do(http.MethodGet, "/api/v1/quota", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var usage service.Usage
	decode(t, w, &usage)
	assert.Equal(t, int64(5), usage.Used)
	assert.Equal(t, int64(1000), usage.Quota)
}

func TestUploadStatusAndAbort(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")

	w := s.doJSON(t, http.MethodPost, "/api/v1/uploads", tok, service.OpenRequest{Name: "big.bin", Size: 25})
	require.Equal(t, http.StatusCreated, w.Code)
	var res service.OpenResult
	decode(t, w, &res)
	assert.Equal(t, model.StrategyChunked, res.Strategy)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 3, res.MaxChunks)
	assert.Equal(t, int64(10), res.ChunkSize)

	w = s.do(http.MethodPut, chunkPath(res.UploadID, 1), tok, bytes.NewReader(payload[10:20]), "application/octet-stream")
	require.Equal(t, http.StatusOK, w.Code)
	var receipt service.ChunkReceipt
	decode(t, w, &receipt)
	assert.True(t, receipt.Received)
	assert.Equal(t, 1, receipt.ReceivedCount)
	assert.False(t, receipt.Duplicate)

	w = s.do(http.MethodPut, chunkPath(res.UploadID, 1), tok, bytes.NewReader(payload[10:20]), "application/octet-stream")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &receipt)
	assert.True(t, receipt.Received)
	assert.True(t, receipt.Duplicate)

	w = s.do(http.MethodGet, "/api/v1/uploads/"+res.UploadID, tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status service.UploadStatus
	decode(t, w, &status)
	assert.Equal(t, []int{1}, status.ReceivedChunks)

	w = s.do(http.MethodPost, "/api/v1/uploads/"+res.UploadID+"/complete", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	other := s.token(t, 2, "free")
	w = s.do(http.MethodDelete, "/api/v1/uploads/"+res.UploadID, other, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodDelete, "/api/v1/uploads/"+res.UploadID, tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var aborted struct {
		Aborted bool `json:"aborted"`
	}
	decode(t, w, &aborted)
	assert.True(t, aborted.Aborted)

	w = s.do(http.MethodPut, chunkPath(res.UploadID, 0), tok, bytes.NewReader(payload[:10]), "application/octet-stream")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPut, chunkPath(res.UploadID, -1), tok, bytes.NewReader(payload[:10]), "application/octet-stream")
	assert.NotEqual(t, http.StatusOK, w.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	alice := s.token(t, 1, "free")
	bob := s.token(t, 2, "free")
	dir := s.createFolder(t, alice, nil, "docs")
	id := strconv.Itoa(int(dir.ID))

	cases := []struct {
		name   string
		method string
		path   string
		tok    string
		body   interface{}
		status int
		code   string
	}{
		{"unauthenticated", http.MethodGet, "/api/v1/folders/" + id, "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"foreign folder", http.MethodGet, "/api/v1/folders/" + id, bob, nil, http.StatusForbidden, "ACCESS_DENIED"},
		{"missing folder", http.MethodGet, "/api/v1/folders/999", alice, nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad id", http.MethodGet, "/api/v1/folders/abc", alice, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"duplicate name", http.MethodPost, "/api/v1/folders", alice, CreateFolderRequest{Name: "DOCS"}, http.StatusConflict, "CONFLICT"},
		{"cycle", http.MethodPost, "/api/v1/folders/" + id + "/move", alice, MoveFolderRequest{ParentID: &dir.ID}, http.StatusConflict, "CYCLE"},
		{"over quota", http.MethodPost, "/api/v1/uploads", s.token(t, 3, "small"), service.OpenRequest{Name: "x.bin", Size: 21}, http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED"},
		{"too large", http.MethodPost, "/api/v1/uploads", alice, service.OpenRequest{Name: "x.bin", Size: 1001}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing body", http.MethodPost, "/api/v1/folders", alice, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.doJSON(t, tc.method, tc.path, tc.tok, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, errorCode(t, w))
		})
	}
}

func TestFolderLifecycle(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")
	top := s.createFolder(t, tok, nil, "top")
	sub := s.createFolder(t, tok, &top.ID, "sub")
	dst := s.createFolder(t, tok, nil, "dst")
	s.uploadFile(t, tok, &sub.ID, "a.txt", []byte("12345"))
	topID := strconv.Itoa(int(top.ID))
	subID := strconv.Itoa(int(sub.ID))

	w := s.doJSON(t, http.MethodPatch, "/api/v1/folders/"+subID, tok, RenameRequest{Name: "inner"})
	require.Equal(t, http.StatusOK, w.Code)
	var folder model.Folder
	decode(t, w, &folder)
	assert.Equal(t, "/top/inner", folder.Path)

	w = s.doJSON(t, http.MethodPost, "/api/v1/folders/"+subID+"/move", tok, MoveFolderRequest{ParentID: &dst.ID})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &folder)
	assert.Equal(t, "/dst/inner", folder.Path)

	w = s.do(http.MethodGet, "/api/v1/folders/"+subID+"/breadcrumb", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var crumbs []model.Folder
	decode(t, w, &crumbs)
	require.Len(t, crumbs, 2)
	assert.Equal(t, dst.ID, crumbs[0].ID)

	w = s.do(http.MethodGet, "/api/v1/folders/"+strconv.Itoa(int(dst.ID))+"/totals", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var totals service.Totals
	decode(t, w, &totals)
	assert.Equal(t, int64(1), totals.Files)
	assert.Equal(t, int64(5), totals.Size)

	w = s.do(http.MethodPost, "/api/v1/folders/"+strconv.Itoa(int(dst.ID))+"/trash", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var trashed struct {
		FoldersTrashed int   `json:"foldersTrashed"`
		FilesTrashed   int   `json:"filesTrashed"`
		BytesReleased  int64 `json:"bytesReleased"`
	}
	decode(t, w, &trashed)
	assert.Equal(t, 2, trashed.FoldersTrashed)
	assert.Equal(t, 1, trashed.FilesTrashed)
	assert.Equal(t, int64(5), trashed.BytesReleased)

	w = s.do(http.MethodGet, "/api/v1/folders", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var root service.Listing
	decode(t, w, &root)
	assert.Len(t, root.Folders, 1)

	w = s.do(http.MethodGet, "/api/v1/folders?trashed=true", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &root)
	assert.Len(t, root.Folders, 2)

	w = s.do(http.MethodPost, "/api/v1/folders/"+strconv.Itoa(int(dst.ID))+"/restore", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodDelete, "/api/v1/folders/"+topID, tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var deleted struct {
		DeletedFolders int `json:"deletedFolders"`
	}
	decode(t, w, &deleted)
	assert.Equal(t, 1, deleted.DeletedFolders)
}

func TestFileOperations(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")
	dst := s.createFolder(t, tok, nil, "dst")
	f := s.uploadFile(t, tok, nil, "draft.txt", []byte("12345"))
	id := strconv.Itoa(int(f.ID))

	w := s.doJSON(t, http.MethodPatch, "/api/v1/files/"+id, tok, RenameRequest{Name: "final.md"})
	require.Equal(t, http.StatusOK, w.Code)
	var file model.File
	decode(t, w, &file)
	assert.Equal(t, "final.md", file.Name)
	assert.Equal(t, "md", file.Extension)

	w = s.doJSON(t, http.MethodPost, "/api/v1/files/"+id+"/move", tok, MoveFileRequest{FolderID: &dst.ID})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &file)
	require.NotNil(t, file.FolderID)
	assert.Equal(t, dst.ID, *file.FolderID)

	w = s.doJSON(t, http.MethodPost, "/api/v1/files/"+id+"/copy", tok, CopyFileRequest{Name: "copy.md"})
	require.Equal(t, http.StatusCreated, w.Code)
	var cp model.File
	decode(t, w, &cp)
	assert.Equal(t, "copy.md", cp.Name)
	assert.Nil(t, cp.FolderID)
	assert.Equal(t, f.Checksum, cp.Checksum)

	w = s.do(http.MethodGet, "/api/v1/files/"+id+"/versions", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var versions []model.File
	decode(t, w, &versions)
	assert.Len(t, versions, 1)

	w = s.do(http.MethodPost, "/api/v1/files/"+id+"/trash", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &file)
	assert.True(t, file.IsTrashed)

	w = s.do(http.MethodGet, "/api/v1/files/"+id+"/download", s.token(t, 2, "free"), nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/v1/files/"+id+"/restore", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodDelete, "/api/v1/files/"+id, tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var del struct {
		DeletedFileIDs []uint `json:"deletedFileIds"`
	}
	decode(t, w, &del)
	assert.Equal(t, []uint{f.ID}, del.DeletedFileIDs)

	w = s.do(http.MethodGet, "/api/v1/files/"+id, tok, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResourceTrashEndpoint(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")
	dir := s.createFolder(t, tok, nil, "docs")
	f := s.uploadFile(t, tok, nil, "a.txt", []byte("abc"))

	for _, path := range []string{
		"/api/v1/trash/folder/" + strconv.Itoa(int(dir.ID)),
		"/api/v1/trash/file/" + strconv.Itoa(int(f.ID)),
	} {
		w := s.do(http.MethodPost, path, tok, nil, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var view struct {
			Trashed bool `json:"trashed"`
			OwnerID uint `json:"ownerId"`
		}
		decode(t, w, &view)
		assert.True(t, view.Trashed)
		assert.Equal(t, uint(1), view.OwnerID)

		w = s.do(http.MethodPost, path, tok, nil, "")
		assert.Equal(t, http.StatusConflict, w.Code)

		w = s.do(http.MethodPost, path+"/restore", tok, nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &view)
		assert.False(t, view.Trashed)
	}

	w := s.do(http.MethodPost, "/api/v1/trash/share/1", tok, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newServer(t)
	user := s.token(t, 1, "free")
	admin := s.adminToken(t, 99)
	s.uploadFile(t, user, nil, "a.txt", []byte("12345"))

	limit := int64(3)
	w := s.doJSON(t, http.MethodPut, "/api/v1/admin/accounts/1/quota", user, SetQuotaRequest{QuotaBytes: &limit})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.doJSON(t, http.MethodPut, "/api/v1/admin/accounts/1/quota", admin, SetQuotaRequest{QuotaBytes: &limit})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/quota", user, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var usage service.Usage
	decode(t, w, &usage)
	assert.Equal(t, int64(3), usage.Quota)

	w = s.doJSON(t, http.MethodPost, "/api/v1/uploads", user, service.OpenRequest{Name: "b.txt", Size: 1})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = s.do(http.MethodPost, "/api/v1/admin/accounts/1/recalculate", admin, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var account model.StorageAccount
	decode(t, w, &account)
	assert.Equal(t, int64(5), account.UsedBytes)

	w = s.do(http.MethodPost, "/api/v1/admin/accounts/404/recalculate", admin, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	dir := s.createFolder(t, user, nil, "docs")
	w = s.do(http.MethodPost, "/api/v1/admin/folders/"+strconv.Itoa(int(dir.ID))+"/repair", admin, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/v1/admin/uploads/sweep", admin, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sweep struct {
		Swept int `json:"swept"`
	}
	decode(t, w, &sweep)
	assert.Zero(t, sweep.Swept)
}

func TestBlobEndpointRejectsBadTokens(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")

	w := s.do(http.MethodGet, "/api/v1/blobs/not-a-token", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 调用方 token 不能当作 blob 令牌使用
	w = s.do(http.MethodGet, "/api/v1/blobs/"+tok, "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.doJSON(t, http.MethodPost, "/api/v1/uploads", tok, service.OpenRequest{Name: "a.txt", Size: 5})
	require.Equal(t, http.StatusCreated, w.Code)
	var res service.OpenResult
	decode(t, w, &res)
	path := blobPath(t, res.UploadURL)

	// 上传链接不能用于下载
	w = s.do(http.MethodGet, path, "", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPut, path, "", bytes.NewReader([]byte("toolong")), "application/octet-stream")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPut, path, "", bytes.NewReader([]byte("hello")), "application/octet-stream")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestBlobUploadLinkExpiresWithSession(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, 1, "free")

	w := s.doJSON(t, http.MethodPost, "/api/v1/uploads", tok, service.OpenRequest{Name: "a.txt", Size: 5})
	require.Equal(t, http.StatusCreated, w.Code)
	var res service.OpenResult
	decode(t, w, &res)
	path := blobPath(t, res.UploadURL)

	w = s.do(http.MethodPut, path, "", bytes.NewReader([]byte("hello")), "application/octet-stream")
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, "/api/v1/uploads/"+res.UploadID+"/complete", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done CompleteResponse
	decode(t, w, &done)

	// 完成后重放上传链接不能覆盖已提交的对象
	w = s.do(http.MethodPut, path, "", bytes.NewReader([]byte("HELLO")), "application/octet-stream")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	rc, err := s.store.Get(context.Background(), done.File.StorageKey)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	// 终止后的会话同样拒绝
	w = s.doJSON(t, http.MethodPost, "/api/v1/uploads", tok, service.OpenRequest{Name: "b.txt", Size: 5})
	require.Equal(t, http.StatusCreated, w.Code)
	decode(t, w, &res)
	w = s.do(http.MethodDelete, "/api/v1/uploads/"+res.UploadID, tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(http.MethodPut, blobPath(t, res.UploadURL), "", bytes.NewReader([]byte("world")), "application/octet-stream")
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/healthz", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var health struct {
		Status       string                 `json:"status"`
		Dependencies map[string]interface{} `json:"dependencies"`
	}
	decode(t, w, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Dependencies["database"])
	assert.Equal(t, "healthy", health.Dependencies["redis"])

	tok := s.token(t, 1, "free")
	s.uploadFile(t, tok, nil, "a.bin", payload)

	w = s.do(http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vault_quota_rejections_total")
}
