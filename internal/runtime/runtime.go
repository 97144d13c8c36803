package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/announce"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/journal"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	journal       *journal.Store
	synth         tts.Synthesizer
	tts           *tts.Service
	announcer     *announce.Announcer
	ready         atomic.Bool
	wg            sync.WaitGroup

	// cancelServices ends the background work of the services; workers
	// tracks it so the journal outlives its pruner.
	cancelServices context.CancelFunc
	workers        sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.shutdownTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/styles", r.handleStyles)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = r.serve(addr, mux)
	if r.telemetry.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.telemetry.metrics)
		r.metricsServer = r.serve(r.cfg.Telemetry.PrometheusBind, metricsMux)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.stopServices()
	r.wg.Wait()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startServices(ctx context.Context) error {
	ctx, r.cancelServices = context.WithCancel(ctx)
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	interval := time.Duration(r.cfg.Journal.PruneIntervalMS) * time.Millisecond
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		r.journal.RunPruner(ctx, interval)
	}()

	if !r.cfg.TTS.Enabled {
		return nil
	}
	r.synth, err = newSynthesizer(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("init synthesizer: %w", err)
	}
	r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, r.synth, r.journal, r.logger)
	if err := r.tts.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	rate := r.cfg.TTS.SampleRate
	if r.cfg.TTS.Mode == "hts" {
		rate = r.cfg.Voice.SamplingRate
	}
	var styles []string
	if selector, ok := r.synth.(tts.StyleSelector); ok {
		styles = selector.Styles()
	}
	caps := []announce.Capability{announce.TTSCapability(r.cfg.TTS.Mode, rate, styles)}
	r.announcer, err = announce.Start(ctx, r.cfg.Node, r.bus, caps, r.logger)
	if err != nil {
		return fmt.Errorf("start announcer: %w", err)
	}
	return nil
}

func (r *Runtime) stopServices() {
	if r.cancelServices != nil {
		r.cancelServices()
	}
	r.announcer.Close()
	if r.tts != nil {
		r.tts.Close()
	}
	r.workers.Wait()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.tts == nil || r.tts.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStyles(w http.ResponseWriter, _ *http.Request) {
	selector, ok := r.synth.(tts.StyleSelector)
	if !ok {
		http.Error(w, "styles not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"styles": selector.Styles(),
		"active": selector.ActiveStyle(),
	})
}
