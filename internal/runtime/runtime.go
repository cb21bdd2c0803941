// Package runtime wires the radio daemon: telemetry, the optional embedded
// broker, the event journal, the transmitter console and the HTTP control API.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/console"
	"github.com/loqalabs/loqa-radio/internal/eventstore"
	"github.com/loqalabs/loqa-radio/internal/fault"
	"github.com/loqalabs/loqa-radio/internal/natsserver"
	"github.com/loqalabs/loqa-radio/internal/signal"
)

type Runtime struct {
	cfg        config.Config
	version    string
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	broker   *bus.Broker
	journal  *eventstore.Store
	console  *console.Console
	endpoint bus.Endpoint
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if err := r.console.Autoplay(ctx, r.cfg.Transmitter.Autoplay); err != nil {
		r.logger.Warn("some channels did not start", slog.String("error", err.Error()))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("broker", r.endpoint.String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)
	return nil
}

// setup builds everything the HTTP handler serves.
func (r *Runtime) setup(ctx context.Context) error {
	r.endpoint = bus.EndpointFromConfig(r.cfg.Transport)

	srv, err := natsserver.Start(r.cfg.Transport, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	if srv != nil {
		r.nats = srv
		host, port := srv.Endpoint()
		r.endpoint = bus.Endpoint{Host: host, Port: port}
	}

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.journal = journal

	table, err := channel.FromConfig(r.cfg.Channels)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	source, err := signal.FromConfig(r.cfg.Signal)
	if err != nil {
		return fmt.Errorf("load signal source: %w", err)
	}

	c, err := console.New(table, r.dialer(), source, console.Options{
		Delay:    time.Duration(r.cfg.Transmitter.DelayMS) * time.Millisecond,
		Endpoint: r.endpoint,
		Journal:  journal,
		Logger:   r.logger,
	})
	if err != nil {
		return fmt.Errorf("build console: %w", err)
	}
	r.console = c
	return nil
}

func (r *Runtime) dialer() console.Dialer {
	if r.cfg.Transport.Kind == "memory" {
		r.broker = bus.NewBroker()
		return func(channel.Channel) (bus.Transport, error) {
			return r.broker.Transport(r.cfg.Transport.InboxSize), nil
		}
	}
	return func(ch channel.Channel) (bus.Transport, error) {
		return bus.Open(r.cfg.Transport, r.logger.With(slog.String("channel", ch.Topic)))
	}
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.console != nil {
		if err := r.console.StopAll(); err != nil {
			r.logger.Warn("failed to stop transmitters", slog.String("error", err.Error()))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.nats.Shutdown()
	if r.telemetry.shutdown != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Handler exposes health, metrics and the channel control API.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry.metrics != nil {
		mux.Handle("/metrics", r.telemetry.metrics)
	}
	mux.HandleFunc("GET /channels", r.handleChannels)
	mux.HandleFunc("GET /channels/{topic}/events", r.handleEvents)
	mux.HandleFunc("POST /channels/{topic}/{action}", r.handleAction)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.console.Status())
}

func (r *Runtime) handleAction(w http.ResponseWriter, req *http.Request) {
	topic := req.PathValue("topic")
	action, err := console.ParseAction(req.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := r.console.Table().ByTopic(topic); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	status, err := r.console.Apply(req.Context(), topic, action)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, fault.ErrConnectFailed) {
			code = http.StatusBadGateway
		}
		r.logger.Warn("channel action failed", slog.String("channel", topic), slog.String("action", string(action)), slog.String("error", err.Error()))
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type eventView struct {
	Kind      string          `json:"kind"`
	Actor     string          `json:"actor,omitempty"`
	State     string          `json:"state,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	topic := req.PathValue("topic")
	if _, err := r.console.Table().ByTopic(topic); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	events, err := r.journal.ListEvents(req.Context(), topic, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{Kind: e.Kind, Actor: e.Actor, State: e.State, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error(), "code": fault.Code(err)})
}
