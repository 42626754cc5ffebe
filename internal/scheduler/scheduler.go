package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/HungMe117/irrigation-system/internal/model"
	"github.com/HungMe117/irrigation-system/internal/store"
	"github.com/HungMe117/irrigation-system/internal/weather"
)

// ValveController is the actuation surface the scheduler drives.
type ValveController interface {
	SetValve(ctx context.Context, gatewayID uuid.UUID, command, source, reason string) error
}

// WeatherSource gates dry gateways on the rain forecast. May be nil.
type WeatherSource interface {
	RainExpected24h(ctx context.Context, lat, lon float64) (weather.Forecast, error)
}

// Scheduler evaluates every gateway's watering schedule once per minute.
// A gateway waters when the current HH:MM matches one of its slots and any
// of its nodes' latest readings is below the moisture threshold.
type Scheduler struct {
	repo    *store.Repo
	valves  ValveController
	weather WeatherSource
	loc     *time.Location
	now     func() time.Time

	cron *cron.Cron

	mu    sync.Mutex
	fired map[uuid.UUID]string // gateway -> last HH:MM acted on
}

type Options struct {
	Weather  WeatherSource
	Location *time.Location
	// Now overrides the clock; tests pin it to a schedule slot.
	Now func() time.Time
}

func New(repo *store.Repo, valves ValveController, opts Options) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		repo:    repo,
		valves:  valves,
		weather: opts.Weather,
		loc:     loc,
		now:     now,
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		fired:   map[uuid.UUID]string{},
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 * * * * *", func() {
		s.Tick(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("decision scheduler started", "cadence", "1m", "timezone", s.loc.String())
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Tick runs one evaluation pass. A failing gateway never aborts the rest,
// and re-invocation within the same minute is a no-op per gateway.
func (s *Scheduler) Tick(ctx context.Context) {
	nowStr := s.now().In(s.loc).Format("15:04")

	gateways, err := s.repo.ListGateways(ctx)
	if err != nil {
		slog.Error("scheduler gateway listing failed", "error", err)
		return
	}

	for i := range gateways {
		gw := &gateways[i]
		if !scheduleContains(gw.ScheduleTimes(), nowStr) {
			continue
		}
		if !s.markFired(gw.ID, nowStr) {
			continue
		}
		if err := s.evaluate(ctx, gw, nowStr); err != nil {
			slog.Warn("scheduler evaluation failed", "gateway", gw.ClientID, "error", err)
		}
	}
}

func scheduleContains(slots []string, hhmm string) bool {
	for _, s := range slots {
		if s == hhmm {
			return true
		}
	}
	return false
}

// markFired records that this gateway's slot was handled this minute.
// Returns false when the slot already fired, guarding double invocation.
func (s *Scheduler) markFired(gatewayID uuid.UUID, hhmm string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[gatewayID] == hhmm {
		return false
	}
	s.fired[gatewayID] = hhmm
	return true
}

func (s *Scheduler) evaluate(ctx context.Context, gw *model.Gateway, slot string) error {
	nodes, err := s.repo.NodesOfGateway(ctx, gw.ID)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	dry := false
	sum := 0.0
	withReading := 0
	for _, node := range nodes {
		latest, err := s.repo.LatestReading(ctx, node.ID)
		if err != nil {
			slog.Warn("scheduler latest reading lookup failed", "node_id", node.ID, "error", err)
			continue
		}
		if latest == nil {
			// No data yet: the node is unknown, never dry.
			continue
		}
		withReading++
		sum += latest.SoilMoisture
		if latest.SoilMoisture < float64(gw.MinMoistureThreshold) {
			dry = true
		}
	}

	if withReading == 0 {
		slog.Info("scheduled slot skipped, no node readings", "gateway", gw.ClientID, "slot", slot)
		return nil
	}
	avg := sum / float64(withReading)

	if !dry {
		slog.Info("soil moist enough, skipping watering",
			"gateway", gw.ClientID, "slot", slot, "avg_moisture", fmt.Sprintf("%.1f", avg), "threshold", gw.MinMoistureThreshold)
		return nil
	}

	if s.weather != nil {
		forecast, err := s.weather.RainExpected24h(ctx, gw.Latitude, gw.Longitude)
		if err != nil {
			// Weather upstream being down never blocks watering.
			slog.Warn("weather lookup failed, assuming no rain", "gateway", gw.ClientID, "error", err)
		} else if forecast.RainExpected {
			slog.Info("watering delayed, rain expected", "gateway", gw.ClientID, "details", forecast.Details)
			if _, err := s.repo.AppendWateringEvent(ctx, &model.WateringEvent{
				GatewayID: gw.ID,
				Action:    model.ActionSkip,
				Source:    model.SourceAutoSchedule,
				Reason:    fmt.Sprintf("schedule %s delayed: %s", slot, forecast.Details),
			}); err != nil {
				slog.Error("delay history append failed", "gateway_id", gw.ID, "error", err)
			}
			return nil
		}
	}

	reason := fmt.Sprintf("schedule %s, avg moisture %.1f%% below threshold %d%%", slot, avg, gw.MinMoistureThreshold)
	if err := s.valves.SetValve(ctx, gw.ID, model.ValveOpen, model.SourceAutoSchedule, reason); err != nil {
		return fmt.Errorf("open valve: %w", err)
	}
	return nil
}
