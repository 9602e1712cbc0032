package sim

import (
	"context"
	"log"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/catalog"
	mmetrics "bus-tracker/internal/metrics"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/transit"
)

// Sink receives every position a simulator produces.
type Sink interface {
	Upsert(transit.VehiclePosition) transit.VehiclePosition
}

// Spec describes one vehicle to simulate. An empty VehicleID gets a generated
// one; a non-positive SpeedKmh gets Timing.DefaultSpeedKmh.
type Spec struct {
	VehicleID   string
	Operator    string
	RouteNumber int
	SpeedKmh    float64
}

type Manager struct {
	catalog *catalog.Catalog
	sink    Sink
	router  routing.Provider
	timing  Timing
	metrics *mmetrics.Collector

	// swapped by tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	seed  func() uint64

	mu      sync.Mutex
	parent  context.Context
	running map[string]context.CancelFunc // vehicleID -> cancel
	wg      sync.WaitGroup
}

func NewManager(cat *catalog.Catalog, sink Sink, router routing.Provider, timing Timing, metrics *mmetrics.Collector) *Manager {
	if router == nil {
		router = routing.Unavailable{}
	}
	return &Manager{
		catalog: cat,
		sink:    sink,
		router:  router,
		timing:  timing.withDefaults(),
		metrics: metrics,
		sleep:   sleepCtx,
		now:     time.Now,
		seed:    rand.Uint64,
		parent:  context.Background(),
		running: make(map[string]context.CancelFunc),
	}
}

// Start sets the context every later Launch derives from. Cancelling it
// stops all simulators.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.parent = ctx
	m.mu.Unlock()
}

// Launch validates s, places the vehicle at the first stop of its route and
// starts it in the background. It returns the vehicle id used.
func (m *Manager) Launch(s Spec) (string, error) {
	stops, err := m.catalog.StopsOf(s.Operator, s.RouteNumber)
	if err != nil {
		return "", err
	}
	if s.VehicleID == "" {
		s.VehicleID = "SIM-" + uuid.NewString()[:8]
	}
	if s.SpeedKmh <= 0 {
		s.SpeedKmh = m.timing.DefaultSpeedKmh
	}

	m.mu.Lock()
	if _, exists := m.running[s.VehicleID]; exists {
		m.mu.Unlock()
		return "", transit.Errorf(transit.ErrConflict, "El bus %s ya está en simulación", s.VehicleID)
	}
	ctx, cancel := context.WithCancel(m.parent)
	m.running[s.VehicleID] = cancel
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.SimulatorsStarted.Inc()
		m.metrics.RunningSimulators.Set(float64(len(m.running)))
	}
	m.mu.Unlock()

	v := &vehicle{
		m:     m,
		spec:  s,
		stops: stops,
		rng:   rand.New(rand.NewPCG(m.seed(), m.seed())),
	}
	v.atStop(0, -1, transit.Outbound)

	log.Printf("starting vehicle %s (%s route %d) at %.1f km/h", s.VehicleID, s.Operator, s.RouteNumber, s.SpeedKmh)
	go func() {
		defer m.wg.Done()
		err := v.run(ctx)
		m.mu.Lock()
		delete(m.running, s.VehicleID)
		if m.metrics != nil {
			m.metrics.SimulatorsFinished.Inc()
			m.metrics.RunningSimulators.Set(float64(len(m.running)))
		}
		m.mu.Unlock()
		cancel()
		log.Printf("vehicle %s stopped: %v", s.VehicleID, err)
	}()
	return s.VehicleID, nil
}

// Cancel stops one simulator. Its last record stays in the fleet until it
// goes stale. The id stays taken until the simulator has returned.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every simulator has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Running returns the ids of live simulators, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	m.mu.Unlock()
	slices.Sort(out)
	return out
}

// Stop cancels every simulator and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
