package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	_ "modernc.org/sqlite"

	"github.com/lox/dailyclimate/internal/logging"
	"github.com/lox/dailyclimate/internal/store"
)

const listingPath = "/climate/daily/kl/historical/"

const stationFileWhitespace = `Stations_id von_datum bis_datum Stationshoehe geoBreite geoLaenge Stationsname Bundesland Abgabe
----------- --------- --------- ------------- --------- --------- ----------------------------------------- ---------- ------
00433 19480101 20231231             48     52.4675   13.4021 Berlin-Tempelhof                         Berlin                                   Frei
03056 19900101 20231231             37     52.5200   13.4050 Berlin-Mitte Alexanderplatz              Berlin                                   Frei
01048 19340101 20231231            227     51.1278   13.7543 Dresden-Klotzsche                        Sachsen                                  Frei
0abc1 19340101 20231231            227     51.1278   13.7543 Kaputt                                   Sachsen                                  Frei
05705 19470101 20231231            268     49.7704    9.9577 Würzburg                                 Bayern                                   Frei
`

const dailyProductHeader = "STATIONS_ID;MESS_DATUM;QN_3;  FX;  FM;QN_4; RSK;RSKF; SDK;SHK_TAG;  NM; VPM;  PM; TMK; UPM; TXK; TNK; TGK;eor\n"

func dailyRow(station, date string, tmk string) string {
	return fmt.Sprintf("%11s;%s;   10;  12.3;   3.1;    3;   5.0;   6;  10.000;   0;   2.5;  14.2; 1012.10;%6s;  65.00;  25.0;  15.2;-999;eor\n",
		station, date, tmk)
}

func latin1(t *testing.T, s string) []byte {
	t.Helper()
	b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

type member struct {
	name    string
	content string
}

func buildArchive(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		_, err = w.Write(latin1(t, m.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// publisher serves a DWD-style directory index and its files.
type publisher struct {
	mu       sync.Mutex
	files    map[string][]byte
	failures map[string]int // name -> remaining 503 responses
	requests map[string]int
	server   *httptest.Server
}

func newPublisher(t *testing.T) *publisher {
	t.Helper()
	p := &publisher{
		files:    make(map[string][]byte),
		failures: make(map[string]int),
		requests: make(map[string]int),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.server.Close)
	return p
}

func (p *publisher) baseURL() string {
	return p.server.URL + listingPath
}

func (p *publisher) put(name string, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[name] = body
}

func (p *publisher) fail(name string, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[name] = times
}

func (p *publisher) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[name]
}

func (p *publisher) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !strings.HasPrefix(r.URL.Path, listingPath) {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, listingPath)
	p.requests[name]++

	if p.failures[name] > 0 {
		p.failures[name]--
		http.Error(w, "<html><body><h1>503 Service Unavailable</h1></body></html>", http.StatusServiceUnavailable)
		return
	}

	if name == "" {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, p.listingPage())
		return
	}
	body, ok := p.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(body)
}

func (p *publisher) listingPage() string {
	names := make([]string, 0, len(p.files))
	for name := range p.files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<html>\n<head><title>Index of " + listingPath + "</title></head>\n<body>\n")
	b.WriteString("<h1>Index of " + listingPath + "</h1><hr><pre><a href=\"../\">../</a>\n")
	for _, name := range names {
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>%s14-Feb-2024 09:05 %19d\n",
			name, name, strings.Repeat(" ", max(1, 60-len(name))), len(p.files[name]))
	}
	b.WriteString("</pre><hr></body>\n</html>\n")
	return b.String()
}

func testSource(t *testing.T, p *publisher) *HTTPSource {
	t.Helper()
	src, err := NewHTTPSource(SourceConfig{
		BaseURL:       p.baseURL(),
		Retries:       2,
		RetryInterval: time.Millisecond,
		Logger:        logging.Discard(),
	})
	require.NoError(t, err)
	return src
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db,
		store.WithClock(clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))),
		store.WithLockRetry(5, 0),
		store.WithLogger(logging.Discard()),
	)
	require.NoError(t, st.EnsureSchema(context.Background(), false))
	return st
}

func archiveName(station string) string {
	return path.Base(fmt.Sprintf("tageswerte_KL_%s_19900101_20231231_hist.zip", station))
}
