package content

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/internal/httpclient"
)

func testProvider(t *testing.T, maxBytes int64) (*Provider, *httptest.Server, *atomic.Int64) {
	t.Helper()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/slow":
			time.Sleep(50 * time.Millisecond)
			fmt.Fprint(w, "slow-content")
		default:
			fmt.Fprintf(w, "content-of-%s", filepath.Base(r.URL.Path))
		}
	}))
	t.Cleanup(srv.Close)

	p := NewProvider(t.TempDir(), maxBytes, 4, httpclient.WrapClient(srv.Client()), zap.NewNop().Sugar())
	return p, srv, &requests
}

func TestFetchMaterializesFile(t *testing.T) {
	p, srv, _ := testProvider(t, 1<<20)

	dest := p.Path("h1")
	err := p.Fetch(context.Background(), srv.URL+"/h1", "h1", dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "content-of-h1", string(data))
	assert.True(t, p.Exists("h1"))
	assert.Equal(t, int64(len(data)), p.TotalSize())

	_, err = os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFetchBytesReturnsContent(t *testing.T) {
	p, srv, _ := testProvider(t, 1<<20)

	data, err := p.FetchBytes(context.Background(), srv.URL+"/h2", "h2", "")
	require.NoError(t, err)
	assert.Equal(t, "content-of-h2", string(data))

	// Second call is a cache hit, no network
	data, err = p.FetchBytes(context.Background(), srv.URL+"/h2", "h2", "")
	require.NoError(t, err)
	assert.Equal(t, "content-of-h2", string(data))
}

func TestFetchErrorLeavesNoFile(t *testing.T) {
	p, srv, _ := testProvider(t, 1<<20)

	dest := p.Path("gone")
	err := p.Fetch(context.Background(), srv.URL+"/missing", "gone", dest)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, p.Exists("gone"))
}

func TestSingleFlight(t *testing.T) {
	p, srv, requests := testProvider(t, 1<<20)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Fetch(context.Background(), srv.URL+"/slow", "slow", p.Path("slow"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int64(1), requests.Load(), "exactly one HTTP request")
	assert.True(t, p.Exists("slow"))
	_, statErr := os.Stat(p.Path("slow") + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestEvictionKeepsCacheBound(t *testing.T) {
	// Each file is ~13 bytes; bound the cache to fit two.
	p, srv, _ := testProvider(t, 27)

	require.NoError(t, p.Fetch(context.Background(), srv.URL+"/a1", "a1", p.Path("a1")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Fetch(context.Background(), srv.URL+"/a2", "a2", p.Path("a2")))
	time.Sleep(5 * time.Millisecond)

	// Touch a1 so a2 becomes least-recently-used
	require.NoError(t, p.Fetch(context.Background(), srv.URL+"/a1", "a1", p.Path("a1")))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, p.Fetch(context.Background(), srv.URL+"/a3", "a3", p.Path("a3")))

	assert.LessOrEqual(t, p.TotalSize(), int64(27))
	assert.True(t, p.Exists("a1"))
	assert.False(t, p.Exists("a2"))
	assert.True(t, p.Exists("a3"))
}

func TestStoreAccountsBytes(t *testing.T) {
	p, _, _ := testProvider(t, 1<<20)

	require.NoError(t, p.Store("s1", []byte("hello")))
	assert.True(t, p.Exists("s1"))
	assert.Equal(t, int64(5), p.TotalSize())

	data, err := os.ReadFile(p.Path("s1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestClearRemovesEverything(t *testing.T) {
	p, srv, _ := testProvider(t, 1<<20)

	require.NoError(t, p.Fetch(context.Background(), srv.URL+"/c1", "c1", p.Path("c1")))
	require.NoError(t, p.Store("c2", []byte("x")))

	p.Clear()
	assert.Equal(t, int64(0), p.TotalSize())
	assert.False(t, p.Exists("c1"))
	assert.False(t, p.Exists("c2"))
	_, err := os.Stat(p.Path("c1"))
	assert.True(t, os.IsNotExist(err))
}

func TestStartupSweepsTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "h.tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resident"), []byte("ok"), 0o644))

	p := NewProvider(dir, 1<<20, 2, httpclient.New(time.Second), zap.NewNop().Sugar())
	assert.True(t, p.Exists("resident"))

	_, err := os.Stat(filepath.Join(dir, "h.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestConsumeDownloadedBytes(t *testing.T) {
	p, srv, _ := testProvider(t, 1<<20)

	require.NoError(t, p.Fetch(context.Background(), srv.URL+"/d1", "d1", p.Path("d1")))
	got := p.ConsumeDownloadedBytes()
	assert.Equal(t, uint64(len("content-of-d1")), got)
	assert.Equal(t, uint64(0), p.ConsumeDownloadedBytes())
}
