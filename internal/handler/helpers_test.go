package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/repository"
	"vault-drive-go/internal/service"
	"vault-drive-go/internal/testutil"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/metrics"
	"vault-drive-go/pkg/objectstore"
	"vault-drive-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	router *gin.Engine
	jwt    *token.JWTManager
	store  *objectstore.Local
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	reg, store, jwt := testutil.NewRegistry(t)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	uploadCfg := config.UploadConfig{
		ChunkSize:          10,
		MaxFileSize:        1000,
		SessionTTL:         time.Hour,
		CompletedRetention: time.Minute,
		SignedURLExpiry:    time.Minute,
	}
	storage := service.NewStorageGateway(reg, events.Nop{}, m, config.StorageConfig{OperationTimeout: 5 * time.Second})
	fileRepo := repository.NewFileRepository(db)
	quota := service.NewQuotaService(repository.NewAccountRepository(db), config.QuotaConfig{
		DefaultTier: "free",
		Tiers:       map[string]int64{"free": 1000, "small": 20},
	}, m)
	namespace := service.NewNamespaceService(repository.NewFolderRepository(db), fileRepo, storage, events.Nop{}, config.NamespaceConfig{MaxDepth: 20})
	files := service.NewFileService(fileRepo, namespace, quota, storage, events.Nop{}, uploadCfg)
	uploads := service.NewUploadService(repository.NewUploadRepository(rdb), files, namespace, quota, storage, m, uploadCfg)
	t.Cleanup(uploads.Wait)

	r := NewRouter(jwt, Handlers{
		Upload:   NewUploadHandler(uploads),
		Folder:   NewFolderHandler(namespace),
		File:     NewFileHandler(files),
		Resource: NewResourceHandler(service.NewResourceService(namespace, files)),
		Quota:    NewQuotaHandler(quota),
		Admin:    NewAdminHandler(quota, namespace, service.NewSweeper(uploads, time.Minute)),
		Blob:     NewBlobHandler(store, jwt, files),
		Health:   NewHealthHandler(db, rdb, reg),
		Metrics:  promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})
	return &server{router: r, jwt: jwt, store: store}
}

func (s *server) token(t *testing.T, userID uint, tier string) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(userID, tier, nil)
	require.NoError(t, err)
	return tok
}

func (s *server) adminToken(t *testing.T, userID uint) string {
	t.Helper()
	tok, err := s.jwt.GenerateTokenWithRole(userID, "free", nil, "ADMIN")
	require.NoError(t, err)
	return tok
}

func (s *server) do(method, path, tok string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// doJSON 发送 JSON 请求体，v 为空时不带请求体。
func (s *server) doJSON(t *testing.T, method, path, tok string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	if v == nil {
		return s.do(method, path, tok, nil, "")
	}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return s.do(method, path, tok, bytes.NewReader(b), "application/json")
}

// blobPath 把签名链接转换为路由上的路径。
func blobPath(t *testing.T, signed string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(signed, testutil.BlobBaseURL+"/"), signed)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	return u.RequestURI()
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decode(t, w, &body)
	return body.Code
}

func (s *server) createFolder(t *testing.T, tok string, parent *uint, name string) model.Folder {
	t.Helper()
	w := s.doJSON(t, http.MethodPost, "/api/v1/folders", tok, CreateFolderRequest{Name: name, ParentID: parent})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var f model.Folder
	decode(t, w, &f)
	return f
}

// uploadFile 通过 HTTP 完整走一遍上传流程。
func (s *server) uploadFile(t *testing.T, tok string, folderID *uint, name string, data []byte) model.File {
	t.Helper()
	w := s.doJSON(t, http.MethodPost, "/api/v1/uploads", tok, service.OpenRequest{
		Name:     name,
		Size:     int64(len(data)),
		FolderID: folderID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res service.OpenResult
	decode(t, w, &res)

	if res.Strategy == model.StrategyDirect {
		w = s.do(http.MethodPut, blobPath(t, res.UploadURL), "", bytes.NewReader(data), "application/octet-stream")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	} else {
		for i := 0; i < res.TotalChunks; i++ {
			start := int64(i) * res.ChunkSize
			end := start + res.ChunkSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			w = s.do(http.MethodPut, chunkPath(res.UploadID, i), tok, bytes.NewReader(data[start:end]), "application/octet-stream")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		}
	}

	w = s.do(http.MethodPost, "/api/v1/uploads/"+res.UploadID+"/complete", tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done CompleteResponse
	decode(t, w, &done)
	require.NotNil(t, done.File)
	require.Equal(t, done.File.ID, done.FileID)
	require.Equal(t, done.File.Checksum, done.Checksum)
	return *done.File
}

func chunkPath(uploadID string, index int) string {
	return "/api/v1/uploads/" + uploadID + "/chunks/" + strconv.Itoa(index)
}
