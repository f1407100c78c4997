package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Engine runs media workers in process. Each worker has its own pion API
// so port ranges and interceptors are not shared between workers.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) CreateWorker(ctx context.Context, settings core.WorkerSettings) (core.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	api, err := newAPI(settings)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	w := &Worker{
		id:      uuid.NewString(),
		api:     api,
		config:  peerConfig(settings),
		died:    make(chan error, 1),
		routers: make(map[string]*Router),
	}
	log.Info().Str("module", "rtc").Str("worker", w.id).Uint16("min_port", settings.RTCMinPort).Uint16("max_port", settings.RTCMaxPort).Msg("worker created")
	return w, nil
}

func newAPI(settings core.WorkerSettings) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	i.Add(pli)

	se := webrtc.SettingEngine{}
	if settings.RTCMinPort > 0 && settings.RTCMaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(settings.RTCMinPort, settings.RTCMaxPort); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if settings.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{settings.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

func peerConfig(settings core.WorkerSettings) webrtc.Configuration {
	if len(settings.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: settings.ICEServers}},
	}
}

// Worker hosts routers. It only stops when closed; the pool reports a
// close it did not ask for as a death.
type Worker struct {
	id     string
	api    *webrtc.API
	config webrtc.Configuration
	died   chan error

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) CreateRouter(ctx context.Context) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %s: %w", w.id, domain.ErrWorkerDied)
	}
	r := newRouter(w)
	w.routers[r.id] = r
	log.Debug().Str("module", "rtc").Str("worker", w.id).Str("router", r.id).Msg("router created")
	return r, nil
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := w.routers
	w.routers = make(map[string]*Router)
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	close(w.died)
	log.Info().Str("module", "rtc").Str("worker", w.id).Msg("worker closed")
	return nil
}
