package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/lox/dailyclimate/internal/models"
)

const (
	EarthRadiusKm = 6371.0

	// MinRadiusKm is the smallest search radius; smaller requests are widened.
	MinRadiusKm = 0.5
	// DefaultLimit caps a radius search when the caller gives no limit.
	DefaultLimit = 12

	// Approximate length of a degree of latitude, used only to size the
	// prefilter box.
	kmPerDegree = 111.0
	// Floor for cos(latitude) when widening the box in longitude.
	minLonScale = 0.1
	// Candidates ranked by the coordinate proxy before exact distances
	// pick the nearest.
	nearestCandidates = 8
)

var ErrNoStations = errors.New("no geocoded stations")

// Haversine returns the great-circle distance between two points in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoundingBox returns a box that contains every point within radiusKm of
// (lat, lon) at the latitudes stations are found at. The longitude span
// grows with 1/cos(lat), capped near the poles.
func BoundingBox(lat, lon, radiusKm float64) Box {
	latDelta := radiusKm / kmPerDegree
	lonDelta := radiusKm / (kmPerDegree * math.Max(minLonScale, math.Abs(math.Cos(radians(lat)))))
	return Box{
		MinLat: lat - latDelta,
		MaxLat: lat + latDelta,
		MinLon: lon - lonDelta,
		MaxLon: lon + lonDelta,
	}
}

// StationStore is the station lookup the selector needs.
type StationStore interface {
	StationsInBox(ctx context.Context, minLat, maxLat, minLon, maxLon float64) ([]models.Station, error)
	NearestStations(ctx context.Context, lat, lon float64, limit int) ([]models.Station, error)
}

// Candidate is a station with its distance from the query point.
type Candidate struct {
	StationID  int64   `json:"station_id"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	FromDate   string  `json:"from_date,omitempty"`
	ToDate     string  `json:"to_date,omitempty"`
	DistanceKm float64 `json:"distance_km"`

	distance float64
}

func newCandidate(st models.Station, lat, lon float64) Candidate {
	d := Haversine(lat, lon, st.Latitude.Float64, st.Longitude.Float64)
	return Candidate{
		StationID:  st.StationID,
		Name:       st.Name.String,
		State:      st.State.String,
		Latitude:   st.Latitude.Float64,
		Longitude:  st.Longitude.Float64,
		FromDate:   st.FromDate.String,
		ToDate:     st.ToDate.String,
		DistanceKm: math.Round(d*100) / 100,
		distance:   d,
	}
}

// Selector finds stations around a point.
type Selector struct {
	store  StationStore
	logger *slog.Logger
}

func NewSelector(store StationStore, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: store, logger: logger.With("component", "geo")}
}

// WithinRadius returns up to limit stations within radiusKm, nearest first.
// When none are in range the single nearest station is returned instead,
// so the result is empty only if no station has coordinates, which is
// reported as ErrNoStations.
func (s *Selector) WithinRadius(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Candidate, error) {
	radiusKm = math.Max(MinRadiusKm, radiusKm)
	if limit <= 0 {
		limit = DefaultLimit
	}

	box := BoundingBox(lat, lon, radiusKm)
	stations, err := s.store.StationsInBox(ctx, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("stations in box: %w", err)
	}

	var matches []Candidate
	for _, st := range stations {
		if !st.HasCoordinates() {
			continue
		}
		c := newCandidate(st, lat, lon)
		if c.distance <= radiusKm {
			matches = append(matches, c)
		}
	}

	if len(matches) == 0 {
		nearest, err := s.Nearest(ctx, lat, lon)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("no station in radius, using nearest", "radius_km", radiusKm,
			"station", nearest.StationID, "distance_km", nearest.DistanceKm)
		return []Candidate{*nearest}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].distance != matches[j].distance {
			return matches[i].distance < matches[j].distance
		}
		return matches[i].StationID < matches[j].StationID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Nearest returns the station closest to the point.
func (s *Selector) Nearest(ctx context.Context, lat, lon float64) (*Candidate, error) {
	stations, err := s.store.NearestStations(ctx, lat, lon, nearestCandidates)
	if err != nil {
		return nil, fmt.Errorf("nearest stations: %w", err)
	}

	var best *Candidate
	for _, st := range stations {
		if !st.HasCoordinates() {
			continue
		}
		c := newCandidate(st, lat, lon)
		if best == nil || c.distance < best.distance {
			best = &c
		}
	}
	if best == nil {
		return nil, ErrNoStations
	}
	return best, nil
}
