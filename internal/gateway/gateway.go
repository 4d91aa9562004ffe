package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stellarlinkco/kasumi/internal/bus"
	"github.com/stellarlinkco/kasumi/internal/channel"
	"github.com/stellarlinkco/kasumi/internal/config"
	"github.com/stellarlinkco/kasumi/internal/cron"
	"github.com/stellarlinkco/kasumi/internal/llm"
	"github.com/stellarlinkco/kasumi/internal/relay"
	"github.com/stellarlinkco/kasumi/internal/store"
	"github.com/stellarlinkco/kasumi/internal/translate"
)

// CompactionJobName is the scheduler entry that runs the periodic compaction pass.
const CompactionJobName = "compaction"

const shutdownTimeout = 10 * time.Second

// ModelFactory creates the ModelClient (allows mocking in tests)
type ModelFactory func(cfg *config.Config) (llm.ModelClient, error)

// DefaultModelFactory builds the provider client named in the config.
func DefaultModelFactory(cfg *config.Config) (llm.ModelClient, error) {
	return llm.NewFromConfig(cfg)
}

// Options for creating a Gateway
type Options struct {
	ModelFactory ModelFactory
	SignalChan   chan os.Signal // for testing signal handling
	HTTPClient   *http.Client   // translation clients
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	relay      *relay.Relay
	channels   *channel.ChannelManager
	cron       *cron.Service
	registry   *prometheus.Registry
	server     *http.Server
	listener   net.Listener
	inflight   sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		registry:   prometheus.NewRegistry(),
		signalChan: opts.SignalChan,
	}
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Compaction.Enabled {
		if err := cron.ParseSchedule(cfg.Compaction.Schedule); err != nil {
			return nil, fmt.Errorf("compaction schedule %q: %w", cfg.Compaction.Schedule, err)
		}
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	factory := opts.ModelFactory
	if factory == nil {
		factory = DefaultModelFactory
	}
	mc, err := factory(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// Channels double as the relay's typing indicator
	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	r, err := NewRelay(cfg, st, mc, chMgr, g.registry, opts.HTTPClient)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	g.relay = r

	g.cron = cron.NewService(cfg.CronStatePath())
	if cfg.Compaction.Enabled {
		if err := g.cron.AddJob(CompactionJobName, cfg.Compaction.Schedule, g.compactionJob); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register compaction job: %w", err)
		}
	}

	return g, nil
}

// NewRelay assembles the relay from config around an open store and model.
// indicator and reg may be nil.
func NewRelay(cfg *config.Config, st relay.ConversationStore, mc llm.ModelClient, indicator relay.ActivityIndicator, reg prometheus.Registerer, client *http.Client) (*relay.Relay, error) {
	prompts, err := relay.LoadPrompts(cfg.Assistant.PromptsFile)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	inbound, outbound := translate.NewFromConfig(cfg.Translation, client)

	return relay.New(relay.Options{
		Assistant:    cfg.Assistant.Name,
		Temperature:  cfg.Assistant.Temperature,
		MinMessages:  cfg.Relay.MinMessages,
		TokenBudget:  cfg.Relay.TokenBudget,
		QuietWindow:  cfg.QuietWindow(),
		InboundLang:  cfg.Translation.InboundLang,
		OutboundLang: cfg.Translation.OutboundLang,
	}, relay.Deps{
		Store:     st,
		Model:     mc,
		Prompts:   prompts,
		Indicator: indicator,
		Inbound:   inbound,
		Outbound:  outbound,
		Metrics:   relay.NewMetrics(reg),
	}), nil
}

func (g *Gateway) compactionJob(ctx context.Context) (string, error) {
	report, err := g.relay.Compactor().CompactAll(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d channels: %d compacted, %d skipped, %d failed",
		report.Channels, report.Compacted, report.Skipped, report.Failed), nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	if err := g.startHTTP(); err != nil {
		_ = g.Shutdown()
		return err
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s", g.Addr())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			if msg.IsBot {
				continue
			}
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			if !g.dispatch(ctx, msg) {
				log.Printf("[gateway] dropped inbound from %s: shutting down", msg.SessionKey())
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch starts a turn for msg unless shutdown has begun. Add and Wait on
// inflight never overlap.
func (g *Gateway) dispatch(ctx context.Context, msg bus.InboundMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || ctx.Err() != nil {
		return false
	}
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.handleInbound(ctx, msg)
	}()
	return true
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	reply, ok := g.relay.HandleMessage(ctx, relay.Incoming{
		Channel: msg.SessionKey(),
		Sender:  msg.Author(),
		Text:    msg.Content,
	})
	if !ok || reply == "" {
		return
	}
	select {
	case g.bus.Outbound <- bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}:
	case <-ctx.Done():
		log.Printf("[gateway] dropped reply to %s: %v", msg.SessionKey(), ctx.Err())
	}
}

// Handler serves /metrics and /healthz.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("POST /compact", g.handleCompact)
	return mux
}

type healthResponse struct {
	Status   string         `json:"status"`
	Channels []string       `json:"channels"`
	Store    store.Stats    `json:"store"`
	Jobs     []cron.JobInfo `json:"jobs"`
	Error    string         `json:"error,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Channels: g.channels.EnabledChannels(), Jobs: g.cron.ListJobs()}
	code := http.StatusOK

	stats, err := g.store.Stats(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Store = stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleCompact runs the scheduled compaction pass immediately and returns
// the job's recorded state.
func (g *Gateway) handleCompact(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.Compaction.Enabled {
		http.Error(w, "compaction is disabled", http.StatusNotFound)
		return
	}
	if err := g.cron.RunNow(r.Context(), CompactionJobName); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, j := range g.cron.ListJobs() {
		if j.Name == CompactionJobName {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(j)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) startHTTP() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(g.cfg.Gateway.Host, fmt.Sprint(g.cfg.Gateway.Port)))
	if err != nil {
		return fmt.Errorf("listen gateway: %w", err)
	}
	g.listener = ln
	g.server = &http.Server{Handler: g.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] http server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound metrics/health address once running.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cron.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown warning: %v", err)
		}
	}
	_ = g.channels.StopAll()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[gateway] shutdown timeout waiting for in-flight turns")
	}

	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
