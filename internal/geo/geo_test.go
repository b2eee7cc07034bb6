package geo

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/dailyclimate/internal/logging"
	"github.com/lox/dailyclimate/internal/models"
	"github.com/lox/dailyclimate/internal/store"
)

var _ StationStore = (*store.Store)(nil)

func station(id int64, name string, lat, lon float64) models.Station {
	return models.Station{
		StationID: id,
		Name:      sql.NullString{String: name, Valid: true},
		State:     sql.NullString{String: "Berlin", Valid: true},
		Latitude:  sql.NullFloat64{Float64: lat, Valid: true},
		Longitude: sql.NullFloat64{Float64: lon, Valid: true},
		FromDate:  sql.NullString{String: "1990-01-01", Valid: true},
	}
}

func testStations() []models.Station {
	return []models.Station{
		station(3056, "Berlin-Mitte", 52.52, 13.405),
		station(433, "Berlin-Tempelhof", 52.4675, 13.4021),
		station(3987, "Potsdam", 52.3813, 13.0622),
		station(1048, "Dresden-Klotzsche", 51.1278, 13.7543),
		{StationID: 9999, Name: sql.NullString{String: "Unknown", Valid: true}},
	}
}

// memStore mimics the SQL behaviour of store.Store over a slice.
type memStore struct {
	stations []models.Station
}

func (m *memStore) StationsInBox(_ context.Context, minLat, maxLat, minLon, maxLon float64) ([]models.Station, error) {
	var out []models.Station
	for _, st := range m.stations {
		if !st.HasCoordinates() {
			continue
		}
		lat, lon := st.Latitude.Float64, st.Longitude.Float64
		if lat >= minLat && lat <= maxLat && lon >= minLon && lon <= maxLon {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) NearestStations(_ context.Context, lat, lon float64, limit int) ([]models.Station, error) {
	var out []models.Station
	for _, st := range m.stations {
		if st.HasCoordinates() {
			out = append(out, st)
		}
	}
	proxy := func(st models.Station) float64 {
		dLat, dLon := st.Latitude.Float64-lat, st.Longitude.Float64-lon
		return dLat*dLat + dLon*dLon
	}
	sort.Slice(out, func(i, j int) bool { return proxy(out[i]) < proxy(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func ids(cs []Candidate) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.StationID
	}
	return out
}

func TestHaversine(t *testing.T) {
	assert.Zero(t, Haversine(52.52, 13.405, 52.52, 13.405))
	assert.InDelta(t, 255.3, Haversine(52.52, 13.405, 53.5511, 9.9937), 1.0, "Berlin to Hamburg")
	assert.InDelta(t, 111.19, Haversine(0, 0, 1, 0), 0.01, "one degree of latitude")
	assert.InDelta(t, Haversine(10, 20, 30, 40), Haversine(30, 40, 10, 20), 1e-9)
}

func TestBoundingBox(t *testing.T) {
	box := BoundingBox(0, 0, 111)
	assert.InDelta(t, -1, box.MinLat, 1e-9)
	assert.InDelta(t, 1, box.MaxLat, 1e-9)
	assert.InDelta(t, -1, box.MinLon, 1e-9)
	assert.InDelta(t, 1, box.MaxLon, 1e-9)

	box = BoundingBox(60, 10, 111)
	assert.InDelta(t, 2, box.MaxLon-10, 1e-9, "cos(60) halves a degree of longitude")

	box = BoundingBox(89.99, 0, 11.1)
	assert.InDelta(t, 1, box.MaxLon, 1e-9, "longitude scale is floored at 0.1")
	assert.False(t, math.IsInf(box.MaxLon, 0))
}

func TestWithinRadius(t *testing.T) {
	sel := NewSelector(&memStore{stations: testStations()}, logging.Discard())
	ctx := context.Background()

	tests := []struct {
		name     string
		lat, lon float64
		radius   float64
		limit    int
		want     []int64
	}{
		{name: "city radius", lat: 52.52, lon: 13.405, radius: 10, want: []int64{3056, 433}},
		{name: "wider radius", lat: 52.52, lon: 13.405, radius: 30, want: []int64{3056, 433, 3987}},
		{name: "limit", lat: 52.52, lon: 13.405, radius: 30, limit: 2, want: []int64{3056, 433}},
		{name: "radius floored", lat: 52.52, lon: 13.405, radius: 0, want: []int64{3056}},
		{name: "nearest fallback", lat: 51.34, lon: 12.37, radius: 1, want: []int64{1048}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sel.WithinRadius(ctx, tt.lat, tt.lon, tt.radius, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
			for i := 1; i < len(got); i++ {
				assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
			}
		})
	}
}

func TestWithinRadiusDistanceRounded(t *testing.T) {
	sel := NewSelector(&memStore{stations: testStations()}, logging.Discard())
	got, err := sel.WithinRadius(context.Background(), 52.52, 13.405, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 0.0, got[0].DistanceKm)
	assert.Equal(t, math.Round(got[1].DistanceKm*100)/100, got[1].DistanceKm)
	assert.InDelta(t, 5.85, got[1].DistanceKm, 0.1)
	assert.Equal(t, "Berlin-Tempelhof", got[1].Name)
}

func TestWithinRadiusNoStations(t *testing.T) {
	sel := NewSelector(&memStore{stations: []models.Station{{StationID: 1}}}, logging.Discard())
	_, err := sel.WithinRadius(context.Background(), 52.52, 13.405, 50, 0)
	require.ErrorIs(t, err, ErrNoStations)
}

func TestNearest(t *testing.T) {
	sel := NewSelector(&memStore{stations: testStations()}, logging.Discard())

	got, err := sel.Nearest(context.Background(), 52.47, 13.40)
	require.NoError(t, err)
	assert.Equal(t, int64(433), got.StationID)
	assert.Equal(t, "1990-01-01", got.FromDate)
	assert.Less(t, got.DistanceKm, 1.0)

	_, err = NewSelector(&memStore{}, logging.Discard()).Nearest(context.Background(), 0, 0)
	require.ErrorIs(t, err, ErrNoStations)
}

func TestSelectorWithSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, store.WithLogger(logging.Discard()))
	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx, false))
	_, err = st.UpsertStations(ctx, testStations())
	require.NoError(t, err)

	sel := NewSelector(st, logging.Discard())
	got, err := sel.WithinRadius(ctx, 52.52, 13.405, 30, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3056, 433, 3987}, ids(got))

	got, err = sel.WithinRadius(ctx, 51.34, 12.37, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1048}, ids(got))
}
