package download_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/download"
	"github.com/stacklok/frame-sync/internal/sources"
	"github.com/stacklok/frame-sync/internal/sources/mocks"
)

var (
	jpegBytes = append([]byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01"), bytes.Repeat([]byte{0x42}, 4096)...)
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0x01}, 64)...)
)

func content(data []byte) *sources.Content {
	return &sources.Content{Body: io.NopCloser(bytes.NewReader(data)), Length: int64(len(data))}
}

// fetcherFunc adapts a function to sources.ContentFetcher
type fetcherFunc func(ctx context.Context, entry catalog.RemoteEntry) (*sources.Content, error)

func (f fetcherFunc) Fetch(ctx context.Context, entry catalog.RemoteEntry) (*sources.Content, error) {
	return f(ctx, entry)
}

// failingReader returns data and then a transport error
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDownloader_Fetch(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockContentFetcher(ctrl)
	dir := t.TempDir()

	entry := catalog.RemoteEntry{ID: "1", Filename: "beach.jpg"}
	fetcher.EXPECT().Fetch(gomock.Any(), entry).Return(content(jpegBytes), nil)

	path, err := download.NewDownloader(dir).Fetch(context.Background(), fetcher, entry)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "beach.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, data)
	assert.Equal(t, []string{"beach.jpg"}, listDir(t, dir), "no .part files remain")
}

func TestDownloader_Fetch_FallbackNameUsesSniffedExtension(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockContentFetcher(ctrl)
	dir := t.TempDir()

	entry := catalog.RemoteEntry{ID: "77"}
	fetcher.EXPECT().Fetch(gomock.Any(), entry).Return(content(pngBytes), nil)

	path, err := download.NewDownloader(dir).Fetch(context.Background(), fetcher, entry)
	require.NoError(t, err)
	assert.Equal(t, "item_77.png", filepath.Base(path))
}

func TestDownloader_Fetch_AppendsSniffedExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		data     []byte
		expected string
	}{
		{name: "no extension", filename: "IMG_0001", data: jpegBytes, expected: "IMG_0001.jpg"},
		{name: "undisplayable extension", filename: "IMG_0001.HEIC", data: jpegBytes, expected: "IMG_0001.HEIC.jpg"},
		{name: "mislabelled but displayable", filename: "scan.jpg", data: pngBytes, expected: "scan.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetch := fetcherFunc(func(context.Context, catalog.RemoteEntry) (*sources.Content, error) {
				return content(tt.data), nil
			})
			path, err := download.NewDownloader(t.TempDir()).
				Fetch(context.Background(), fetch, catalog.RemoteEntry{ID: "1", Filename: tt.filename})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, filepath.Base(path))
		})
	}
}

func TestDownloader_Fetch_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content *sources.Content
	}{
		{name: "json error envelope", content: content([]byte(`{"success":false,"error":{"code":408}}`))},
		{name: "html page", content: content([]byte("<!DOCTYPE html><html><body>login</body></html>"))},
		{name: "empty body", content: content(nil)},
		{name: "heic image", content: content(append([]byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00mif1heic"), bytes.Repeat([]byte{0}, 64)...))},
		{name: "tiff image", content: content(append([]byte("II*\x00\x08\x00\x00\x00"), bytes.Repeat([]byte{0}, 64)...))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			fetcher := mocks.NewMockContentFetcher(ctrl)
			fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(tt.content, nil).Times(1)

			dir := t.TempDir()
			_, err := download.NewDownloader(dir).Fetch(context.Background(), fetcher, catalog.RemoteEntry{ID: "5"})
			var contentErr *download.ContentError
			require.ErrorAs(t, err, &contentErr)
			assert.Empty(t, listDir(t, dir))
		})
	}
}

func TestDownloader_Fetch_VideoNeedsOptIn(t *testing.T) {
	t.Parallel()

	mp4 := append([]byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom"), bytes.Repeat([]byte{0}, 64)...)
	fetch := fetcherFunc(func(context.Context, catalog.RemoteEntry) (*sources.Content, error) {
		return content(mp4), nil
	})
	entry := catalog.RemoteEntry{ID: "v", Filename: "clip.mp4", Kind: catalog.KindVideo}

	_, err := download.NewDownloader(t.TempDir()).Fetch(context.Background(), fetch, entry)
	var contentErr *download.ContentError
	require.ErrorAs(t, err, &contentErr)

	path, err := download.NewDownloader(t.TempDir(), download.WithVideos(true)).Fetch(context.Background(), fetch, entry)
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", filepath.Base(path))
}

func TestDownloader_Fetch_TruncatedBodyIsRetriedThenFails(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fetch := fetcherFunc(func(context.Context, catalog.RemoteEntry) (*sources.Content, error) {
		calls.Add(1)
		return &sources.Content{
			Body:   io.NopCloser(bytes.NewReader(jpegBytes[:1000])),
			Length: int64(len(jpegBytes)),
		}, nil
	})

	dir := t.TempDir()
	d := download.NewDownloader(dir, download.WithMaxAttempts(2), download.WithInitialBackoff(time.Millisecond))
	_, err := d.Fetch(context.Background(), fetch, catalog.RemoteEntry{ID: "1", Filename: "a.jpg"})
	require.Error(t, err)
	assert.True(t, sources.IsRetryable(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, listDir(t, dir), "partial files are removed")
}

func TestDownloader_Fetch_BrokenStreamThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fetch := fetcherFunc(func(context.Context, catalog.RemoteEntry) (*sources.Content, error) {
		if calls.Add(1) == 1 {
			return &sources.Content{
				Body:   io.NopCloser(&failingReader{data: jpegBytes[:3500], err: errors.New("connection reset")}),
				Length: -1,
			}, nil
		}
		return content(jpegBytes), nil
	})

	dir := t.TempDir()
	d := download.NewDownloader(dir, download.WithInitialBackoff(time.Millisecond))
	path, err := d.Fetch(context.Background(), fetch, catalog.RemoteEntry{ID: "1", Filename: "a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", filepath.Base(path), "the name is released after a failed attempt")
	assert.Equal(t, int32(2), calls.Load())
}

func TestDownloader_Fetch_AuthErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockContentFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(nil, &sources.AuthError{Message: "session expired"}).Times(1)

	_, err := download.NewDownloader(t.TempDir()).Fetch(context.Background(), fetcher, catalog.RemoteEntry{ID: "1"})
	assert.True(t, sources.IsAuthError(err))
}

func TestDownloader_FetchAll(t *testing.T) {
	t.Parallel()

	entries := []catalog.RemoteEntry{
		{ID: "1", Filename: "same.jpg"},
		{ID: "2", Filename: "same.jpg"},
		{ID: "3", Filename: "broken.jpg"},
		{ID: "4", Filename: "same.jpg"},
	}

	var mu sync.Mutex
	inflight, peak := 0, 0
	fetch := fetcherFunc(func(_ context.Context, entry catalog.RemoteEntry) (*sources.Content, error) {
		mu.Lock()
		inflight++
		peak = max(peak, inflight)
		mu.Unlock()
		defer func() {
			mu.Lock()
			inflight--
			mu.Unlock()
		}()
		time.Sleep(5 * time.Millisecond)

		if entry.ID == "3" {
			return content([]byte(`{"success":false}`)), nil
		}
		return content(jpegBytes), nil
	})

	dir := t.TempDir()
	d := download.NewDownloader(dir, download.WithConcurrency(2))
	result := d.FetchAll(context.Background(), fetch, entries)

	require.Len(t, result.Downloaded, 3)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "3", result.Failed[0].Entry.ID)
	assert.Equal(t, []string{"1", "2", "4"}, []string{
		result.Downloaded[0].Entry.ID, result.Downloaded[1].Entry.ID, result.Downloaded[2].Entry.ID,
	})
	assert.Equal(t, int64(3*len(jpegBytes)), result.Bytes())
	assert.LessOrEqual(t, peak, 2)

	names := listDir(t, dir)
	assert.ElementsMatch(t, []string{"same.jpg", "same (1).jpg", "same (2).jpg"}, names)
	for _, n := range names {
		assert.False(t, strings.HasSuffix(n, ".part"))
	}
}

func TestDownloader_FetchAll_PartNamesDoNotCollide(t *testing.T) {
	t.Parallel()

	entries := []catalog.RemoteEntry{
		{ID: "1", Filename: "x.jpg"},
		{ID: "2", Filename: "x.jpg.part"},
		{ID: "3", Filename: "x.jpg"},
	}

	// Every fetch blocks until all are in flight so the part files coexist
	var ready sync.WaitGroup
	ready.Add(len(entries))
	fetch := fetcherFunc(func(_ context.Context, entry catalog.RemoteEntry) (*sources.Content, error) {
		ready.Done()
		ready.Wait()
		data := append([]byte(nil), jpegBytes...)
		data = append(data, entry.ID...)
		return content(data), nil
	})

	dir := t.TempDir()
	result := download.NewDownloader(dir, download.WithConcurrency(len(entries))).
		FetchAll(context.Background(), fetch, entries)
	require.Empty(t, result.Failed)
	require.Len(t, result.Downloaded, len(entries))

	seen := make(map[string]struct{}, len(entries))
	for _, item := range result.Downloaded {
		seen[item.Path] = struct{}{}
		data, err := os.ReadFile(item.Path)
		require.NoError(t, err)
		assert.True(t, bytes.HasSuffix(data, []byte(item.Entry.ID)), "%s holds the bytes of item %s", item.Path, item.Entry.ID)
	}
	assert.Len(t, seen, len(entries))
	assert.Len(t, listDir(t, dir), len(entries))
}

func TestDownloader_FetchAll_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetch := fetcherFunc(func(context.Context, catalog.RemoteEntry) (*sources.Content, error) {
		t.Error("fetch must not be called after cancellation")
		return nil, errors.New("unreachable")
	})

	result := download.NewDownloader(t.TempDir()).FetchAll(ctx, fetch, []catalog.RemoteEntry{{ID: "1"}, {ID: "2"}})
	assert.Empty(t, result.Downloaded)
	require.Len(t, result.Failed, 2)
	assert.ErrorIs(t, result.Failed[0].Err, context.Canceled)
}
