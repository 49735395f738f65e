package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

const (
	DefaultDenialBurst    = 5
	DefaultDenialWindow   = 10 * time.Minute
	DefaultMinTransit     = 2 * time.Minute
	DefaultMaxTravelSpeed = 8.0 // m/s, a brisk run

	earthRadiusMeters = 6_371_000.0
)

type AuditConfig struct {
	// DenialBurst denials within DenialWindow make a repeated_denials
	// anomaly.
	DenialBurst  int
	DenialWindow time.Duration

	// MinTransit is the shortest believable move between two facilities
	// when either has no coordinates.
	MinTransit time.Duration

	// MaxTravelSpeed in meters per second, used when both facilities have
	// coordinates.
	MaxTravelSpeed float64
}

// AuditReporter is read-only aggregation over the access log.
type AuditReporter struct {
	events     store.AccessEventStore
	facilities store.FacilityRegistry
	cfg        AuditConfig
}

func NewAuditReporter(events store.AccessEventStore, facilities store.FacilityRegistry, cfg AuditConfig) *AuditReporter {
	if cfg.DenialBurst <= 0 {
		cfg.DenialBurst = DefaultDenialBurst
	}
	if cfg.DenialWindow <= 0 {
		cfg.DenialWindow = DefaultDenialWindow
	}
	if cfg.MinTransit <= 0 {
		cfg.MinTransit = DefaultMinTransit
	}
	if cfg.MaxTravelSpeed <= 0 {
		cfg.MaxTravelSpeed = DefaultMaxTravelSpeed
	}
	return &AuditReporter{events: events, facilities: facilities, cfg: cfg}
}

func (r *AuditReporter) StatsForSubject(ctx context.Context, subjectID string, w types.Window) (types.SubjectStats, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return types.SubjectStats{}, ErrInvalidSubjectID
	}
	evs, err := r.events.ListEvents(ctx, store.EventFilter{SubjectID: subjectID, From: w.From, To: w.To})
	if err != nil {
		return types.SubjectStats{}, err
	}

	st := types.SubjectStats{SubjectID: subjectID, TotalAttempts: len(evs)}
	for _, ev := range evs {
		if ev.Granted {
			st.Granted++
		} else {
			st.Denied++
		}
	}
	if st.TotalAttempts > 0 {
		st.SuccessRate = float64(st.Granted) / float64(st.TotalAttempts)
	}
	return st, nil
}

func (r *AuditReporter) StatsForFacility(ctx context.Context, facilityID string, w types.Window) (types.FacilityStats, error) {
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return types.FacilityStats{}, ErrInvalidFacilityID
	}
	evs, err := r.events.ListEvents(ctx, store.EventFilter{FacilityID: facilityID, From: w.From, To: w.To})
	if err != nil {
		return types.FacilityStats{}, err
	}

	st := types.FacilityStats{FacilityID: facilityID, TotalAttempts: len(evs)}
	for _, ev := range evs {
		if ev.Granted {
			st.Granted++
		} else {
			st.Denied++
		}
		if ev.OccupancyAfter != nil && *ev.OccupancyAfter > st.PeakOccupancyObserved {
			st.PeakOccupancyObserved = *ev.OccupancyAfter
		}
	}
	return st, nil
}

// DetectAnomalies scans one subject's events in w. An empty subjectID scans
// every event, grouping events with no known subject by scanner.
func (r *AuditReporter) DetectAnomalies(ctx context.Context, subjectID string, w types.Window) ([]types.Anomaly, error) {
	subjectID = strings.TrimSpace(subjectID)
	evs, err := r.events.ListEvents(ctx, store.EventFilter{SubjectID: subjectID, From: w.From, To: w.To})
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]types.AccessEvent)
	var tamper []types.AccessEvent
	for _, ev := range evs {
		if ev.Reason == types.ReasonTamperDetected {
			tamper = append(tamper, ev)
		}
		k := ev.SubjectID
		if k == "" {
			k = "scanner:" + ev.ScannerDeviceID
		}
		groups[k] = append(groups[k], ev)
	}

	var out []types.Anomaly
	if len(tamper) > 0 {
		out = append(out, types.Anomaly{Kind: types.AnomalyTamperDetected, Events: tamper})
	}

	positions := make(map[string]*types.GeoPoint)
	for _, group := range groups {
		out = append(out, r.repeatedDenials(group)...)
		travel, err := r.impossibleTravel(ctx, group, positions)
		if err != nil {
			return nil, err
		}
		out = append(out, travel...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Events[0].Timestamp.Before(out[j].Events[0].Timestamp)
	})
	return out, nil
}

// repeatedDenials finds clusters of at least DenialBurst denials that all
// fall within DenialWindow of the cluster's first denial. Clusters do not
// overlap. evs is in timestamp order.
func (r *AuditReporter) repeatedDenials(evs []types.AccessEvent) []types.Anomaly {
	var denied []types.AccessEvent
	for _, ev := range evs {
		if !ev.Granted {
			denied = append(denied, ev)
		}
	}

	var out []types.Anomaly
	for i := 0; i < len(denied); {
		j := i
		for j+1 < len(denied) && denied[j+1].Timestamp.Sub(denied[i].Timestamp) <= r.cfg.DenialWindow {
			j++
		}
		if j-i+1 >= r.cfg.DenialBurst {
			cluster := append([]types.AccessEvent(nil), denied[i:j+1]...)
			out = append(out, types.Anomaly{Kind: types.AnomalyRepeatedDenials, Events: cluster})
			i = j + 1
			continue
		}
		i++
	}
	return out
}

// impossibleTravel flags consecutive grants at different facilities that
// are closer together in time than anyone could move between them.
func (r *AuditReporter) impossibleTravel(ctx context.Context, evs []types.AccessEvent, positions map[string]*types.GeoPoint) ([]types.Anomaly, error) {
	var (
		out  []types.Anomaly
		prev *types.AccessEvent
	)
	for i := range evs {
		ev := &evs[i]
		if !ev.Granted {
			continue
		}
		if prev != nil && prev.FacilityID != ev.FacilityID {
			a, err := r.position(ctx, prev.FacilityID, positions)
			if err != nil {
				return nil, err
			}
			b, err := r.position(ctx, ev.FacilityID, positions)
			if err != nil {
				return nil, err
			}
			need := r.cfg.MinTransit
			if a != nil && b != nil {
				meters := haversine(*a, *b)
				need = time.Duration(meters / r.cfg.MaxTravelSpeed * float64(time.Second))
			}
			if ev.Timestamp.Sub(prev.Timestamp) < need {
				out = append(out, types.Anomaly{
					Kind:   types.AnomalyImpossibleTravel,
					Events: []types.AccessEvent{*prev, *ev},
				})
			}
		}
		prev = ev
	}
	return out, nil
}

func (r *AuditReporter) position(ctx context.Context, facilityID string, cache map[string]*types.GeoPoint) (*types.GeoPoint, error) {
	if p, ok := cache[facilityID]; ok {
		return p, nil
	}
	var p *types.GeoPoint
	if r.facilities != nil {
		f, err := r.facilities.Facility(ctx, facilityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			p = f.Position
		}
	}
	cache[facilityID] = p
	return p, nil
}

// haversine returns the great-circle distance in meters.
func haversine(a, b types.GeoPoint) float64 {
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLon := (b.Lon - a.Lon) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
