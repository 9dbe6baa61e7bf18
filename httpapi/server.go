package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"pkt.systems/tabunloader/internal/logx"
	"pkt.systems/tabunloader/internal/version"
	"pkt.systems/tabunloader/schema"
)

const (
	shutdownTimeout   = 5 * time.Second
	readinessTimeout  = 2 * time.Second
	maxRequestBody    = 64 << 10
	streamPingPeriod  = 25 * time.Second
	defaultGoroutines = 10000
	operationTimeout  = 30 * time.Second
)

// Controller is the slice of the lifecycle session the API drives.
type Controller interface {
	TabStats(ctx context.Context) (schema.StatsSnapshot, error)
	IndicatorState() schema.IndicatorState
	RuleHosts() []string
	SetRule(ctx context.Context, hostname string, enabled bool) error
	UnloadInactive(ctx context.Context) (schema.DiscardOutcome, error)
	UnloadAllButRecent(ctx context.Context, n int) (schema.DiscardOutcome, error)
	UnloadCurrent(ctx context.Context) (schema.DiscardOutcome, error)
	UnloadAllOthers(ctx context.Context, anchor schema.Tab) (schema.DiscardOutcome, error)
	MenuShown(ctx context.Context, shown schema.MenuShown, tab *schema.Tab) error
	MenuClicked(ctx context.Context, click schema.MenuClick, tab *schema.Tab) (schema.DiscardOutcome, error)
	LookupTab(ctx context.Context, id schema.TabID) (schema.Tab, bool, error)
}

// Server serves the menu surface, the control API and the event stream.
type Server struct {
	cfg      Config
	control  Controller
	surface  *Surface
	hub      *Hub
	metrics  http.Handler
	health   healthcheck.Handler
	basePath string
}

// NewServer constructs an HTTP server. metrics may be nil.
func NewServer(cfg Config, control Controller, surface *Surface, hub *Hub, metrics http.Handler) *Server {
	s := &Server{
		cfg:      cfg,
		control:  control,
		surface:  surface,
		hub:      hub,
		metrics:  metrics,
		health:   healthcheck.NewHandler(),
		basePath: normalizeBasePath(cfg.BasePath),
	}
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(defaultGoroutines))
	s.health.AddReadinessCheck("tab-host", s.hostReady)
	return s
}

// AddReadinessCheck registers an extra readiness probe.
func (s *Server) AddReadinessCheck(name string, check func() error) {
	s.health.AddReadinessCheck(name, check)
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/live", s.health)
	mux.Handle("/ready", s.health)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/rules", s.handleRules)
	mux.HandleFunc("/api/unload", s.handleUnload)
	mux.HandleFunc("/api/menu", s.handleMenu)
	mux.HandleFunc("/api/menu/shown", s.handleMenuShown)
	mux.HandleFunc("/api/menu/click", s.handleMenuClick)
	mux.HandleFunc("/api/events", s.handleStream)

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) hostReady() error {
	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()
	_, err := s.control.TabStats(ctx)
	return err
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, version.Describe())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.control.TabStats(r.Context())
	if err != nil {
		logx.Ctx(r.Context()).Warn("http stats failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     stats,
		"indicator": s.control.IndicatorState().String(),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"hosts": s.control.RuleHosts()})
	case http.MethodPost:
		var payload struct {
			Host    string `json:"host"`
			Enabled bool   `json:"enabled"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		log := logx.WithHost(logx.Ctx(r.Context()), payload.Host)
		if err := s.control.SetRule(r.Context(), payload.Host, payload.Enabled); err != nil {
			log.Warn("http rule update failed", "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		log.Info("http rule updated", "enabled", payload.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"hosts": s.control.RuleHosts()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Selection schema.Selection `json:"selection"`
		Keep      int              `json:"keep,omitempty"`
		TabID     schema.TabID     `json:"tab_id,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := operationContext(r)
	defer cancel()
	start := time.Now()
	var outcome schema.DiscardOutcome
	var err error
	switch payload.Selection {
	case schema.SelectionInactive:
		outcome, err = s.control.UnloadInactive(ctx)
	case schema.SelectionAllButRecent:
		outcome, err = s.control.UnloadAllButRecent(ctx, payload.Keep)
	case schema.SelectionCurrent:
		outcome, err = s.control.UnloadCurrent(ctx)
	case schema.SelectionAllOthers:
		var tab *schema.Tab
		tab, err = s.resolveTab(ctx, payload.TabID)
		if err == nil && tab == nil {
			err = fmt.Errorf("%w: %q", schema.ErrTabNotFound, payload.TabID)
		}
		if err == nil {
			outcome, err = s.control.UnloadAllOthers(ctx, *tab)
		}
	default:
		err = fmt.Errorf("unsupported selection %q", payload.Selection)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		logx.Ctx(ctx).Warn("http unload failed", "selection", string(payload.Selection), "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, NewDiscardView(payload.Selection, outcome, time.Since(start)))
}

func (s *Server) handleMenu(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.surface.State())
}

func (s *Server) handleMenuShown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Contexts []schema.MenuContext `json:"contexts"`
		TabID    schema.TabID         `json:"tab_id,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	tab, err := s.resolveTab(ctx, payload.TabID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// surface failures are already logged by the session; render what we have
	if err := s.control.MenuShown(ctx, schema.MenuShown{Contexts: payload.Contexts}, tab); err != nil {
		logx.Ctx(ctx).Debug("http menu sync partial", "err", err)
	}
	writeJSON(w, http.StatusOK, s.surface.State())
}

func (s *Server) handleMenuClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		ItemID  schema.MenuItemID `json:"item_id"`
		Checked bool              `json:"checked"`
		TabID   schema.TabID      `json:"tab_id,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := operationContext(r)
	defer cancel()
	tab, err := s.resolveTab(ctx, payload.TabID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	start := time.Now()
	outcome, err := s.control.MenuClicked(ctx, schema.MenuClick{ItemID: payload.ItemID, Checked: payload.Checked}, tab)
	if err != nil {
		logx.Ctx(ctx).Warn("http menu click failed", "item", string(payload.ItemID), "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, NewDiscardView("", outcome, time.Since(start)))
}

// resolveTab looks up the tab a menu was opened on. An empty id means the
// toolbar menu, which has no tab.
func (s *Server) resolveTab(ctx context.Context, id schema.TabID) (*schema.Tab, error) {
	if id == "" {
		return nil, nil
	}
	tab, ok, err := s.control.LookupTab(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	return &tab, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.Ctx(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe, seq := s.hub.Subscribe()
	defer unsubscribe()

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	state := s.surface.State()
	_ = writeSSEvent(w, StreamEvent{Type: "snapshot", Menu: &state, Timestamp: time.Now()})
	replayCount := 0
	if lastID > 0 {
		for _, event := range s.hub.Replay(lastID) {
			if event.Seq > seq {
				break
			}
			_ = writeSSEvent(w, event)
			replayCount++
		}
	}
	flusher.Flush()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case <-ping.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

// operationContext bounds a discard operation independently of the client
// connection. The request logger and markers carry over.
func operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	return logx.CopyContextFields(ctx, r.Context()), cancel
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidHostname), errors.Is(err, schema.ErrUnknownMenuItem):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrHostUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxRequestBody))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
