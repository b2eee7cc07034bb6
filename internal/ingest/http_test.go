package ingest

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceListing(t *testing.T) {
	p := newPublisher(t)
	p.put(StationDescriptionFile, []byte("x"))
	p.put(archiveName("03056"), []byte("zip"))

	listing, err := testSource(t, p).Listing(context.Background())
	require.NoError(t, err)
	require.Len(t, listing, 2)
	assert.Equal(t, p.baseURL()+StationDescriptionFile, listing[StationDescriptionFile].URL)
	assert.False(t, listing[StationDescriptionFile].LastModified.IsZero())
}

func TestHTTPSourceRetriesTransientStatus(t *testing.T) {
	p := newPublisher(t)
	p.put(StationDescriptionFile, []byte("payload"))
	p.fail(StationDescriptionFile, 2)

	src := testSource(t, p)
	body, err := src.Open(context.Background(), Entry{Name: StationDescriptionFile, URL: p.baseURL() + StationDescriptionFile}, KindMetadata)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 3, p.count(StationDescriptionFile))
}

func TestHTTPSourceRetriesExhausted(t *testing.T) {
	p := newPublisher(t)
	p.put(StationDescriptionFile, []byte("payload"))
	p.fail(StationDescriptionFile, 10)

	_, err := testSource(t, p).Open(context.Background(), Entry{Name: StationDescriptionFile, URL: p.baseURL() + StationDescriptionFile}, KindMetadata)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "503 Service Unavailable")
	assert.Equal(t, 3, p.count(StationDescriptionFile), "one attempt plus two retries")
}

func TestHTTPSourceNotFoundIsPermanent(t *testing.T) {
	p := newPublisher(t)
	name := archiveName("99999")

	_, err := testSource(t, p).Open(context.Background(), Entry{Name: name, URL: p.baseURL() + name}, KindArchive)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, 1, p.count(name))
}

func TestHTTPSourceCancelled(t *testing.T) {
	p := newPublisher(t)
	p.fail("", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testSource(t, p).Listing(ctx)
	require.Error(t, err)
}

func TestNewSourceScheme(t *testing.T) {
	src, err := NewSource(SourceConfig{BaseURL: "https://opendata.example/kl/historical"})
	require.NoError(t, err)
	assert.Equal(t, "http", src.Name())

	src, err = NewSource(SourceConfig{BaseURL: "ftp://opendata.example/kl/historical/"})
	require.NoError(t, err)
	assert.Equal(t, "ftp", src.Name())

	_, err = NewSource(SourceConfig{BaseURL: "file:///tmp/kl"})
	require.Error(t, err)
}

func TestTimeoutsFor(t *testing.T) {
	to := DefaultTimeouts()
	assert.Equal(t, to.Listing, to.For(KindListing))
	assert.Equal(t, to.Metadata, to.For(KindMetadata))
	assert.Equal(t, to.Archive, to.For(KindArchive))
}
