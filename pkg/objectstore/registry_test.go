package objectstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"vault-drive-go/internal/model"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	providers []model.StorageProvider
	health    map[string]model.HealthStatus
}

func (f *fakeSource) ListProviders(ctx context.Context) ([]model.StorageProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.StorageProvider(nil), f.providers...), nil
}

func (f *fakeSource) UpdateHealth(ctx context.Context, name string, status model.HealthStatus, lastErr string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == nil {
		f.health = map[string]model.HealthStatus{}
	}
	f.health[name] = status
	return nil
}

type failingPinger struct {
	Store
	err error
}

func (p failingPinger) Ping(ctx context.Context) error { return p.err }

func memLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(LocalOptions{Fs: afero.NewMemMapFs(), RootDir: "/objects"})
	require.NoError(t, err)
	return l
}

func TestRegistryFallbackWithoutSource(t *testing.T) {
	r := NewRegistry("local", nil)
	r.Register("local", memLocal(t))

	name, s, err := r.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", name)
	assert.NotNil(t, s)

	_, err = r.Get("s3")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistryDefaultSkipsUnusableProviders(t *testing.T) {
	src := &fakeSource{providers: []model.StorageProvider{
		{Name: "minio", IsActive: true, IsDefault: true, HealthStatus: model.HealthUnavailable},
		{Name: "local", IsActive: true, HealthStatus: model.HealthHealthy},
		{Name: "s3", IsActive: false, HealthStatus: model.HealthHealthy},
	}}
	r := NewRegistry("local", src)
	r.Register("local", memLocal(t))
	r.Register("minio", memLocal(t))

	name, _, err := r.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", name)

	src.providers[0].HealthStatus = model.HealthHealthy
	name, _, err = r.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "minio", name)
}

func TestRegistryNoUsableProvider(t *testing.T) {
	src := &fakeSource{providers: []model.StorageProvider{
		{Name: "local", IsActive: false},
	}}
	r := NewRegistry("local", src)
	r.Register("local", memLocal(t))

	_, _, err := r.Default(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistryCheckHealth(t *testing.T) {
	src := &fakeSource{}
	r := NewRegistry("local", src)
	r.Register("local", memLocal(t))
	r.Register("broken", failingPinger{Store: memLocal(t), err: ErrUnavailable})
	r.Register("odd", failingPinger{Store: memLocal(t), err: errors.New("bucket missing")})

	got := r.CheckHealth(context.Background())
	assert.Equal(t, model.HealthHealthy, got["local"])
	assert.Equal(t, model.HealthUnavailable, got["broken"])
	assert.Equal(t, model.HealthDegraded, got["odd"])
	assert.Equal(t, got, src.health)
	assert.Equal(t, []string{"broken", "local", "odd"}, r.Names())
}
