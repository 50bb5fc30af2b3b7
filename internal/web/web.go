package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"recurcal/internal/config"
	"recurcal/internal/ics"
	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/recurrence"
	"recurcal/internal/series"
	"recurcal/internal/store"
)

const (
	defaultNextCount = 5
	maxNextCount     = 100
	maxBodyBytes     = 10 << 20
	shutdownTimeout  = 10 * time.Second
)

// Server provides the HTTP API over events and their recurring series.
type Server struct {
	cfg   *config.Config
	store store.Store
	opts  []series.Option
	eval  recurrence.Evaluator
	loc   *time.Location
	mux   *http.ServeMux

	// Series edits read, plan and persist several events; they are
	// serialized so two requests never plan against the same stale state.
	editMu sync.Mutex
}

// NewServer constructs a new Server. opts are applied to every series the
// server opens.
func NewServer(cfg *config.Config, st store.Store, opts ...series.Option) *Server {
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", cfg.Timezone)
		loc = time.UTC
	}
	s := &Server{
		cfg:   cfg,
		store: st,
		opts:  opts,
		eval:  recurrence.Evaluator{HorizonYears: cfg.HorizonYears},
		loc:   loc,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="recurcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves the API on cfg.Listen until ctx is cancelled, then shuts the
// server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/next", s.handleNext)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("POST /api/import", s.handleImport)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("GET /api/events/{id}/series", s.handleGetSeries)
	s.mux.HandleFunc("PUT /api/events/{id}/series", s.handlePutSeries)
	s.mux.HandleFunc("DELETE /api/events/{id}/series", s.handleDeleteSeries)
	s.mux.HandleFunc("GET /api/events/{id}/series.ics", s.handleExportSeries)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type nextResponse struct {
	Expression  string      `json:"expression"`
	From        time.Time   `json:"from"`
	Occurrences []time.Time `json:"occurrences"`
	Exhausted   bool        `json:"exhausted,omitempty"`
}

// handleNext lists the next occurrences of an expression:
// GET /api/next?expr=0+0+9+?+*+MON&from=2015-01-01T00:00:00Z&count=5
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expr, err := recurrence.Parse(q.Get("expr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	from := time.Now().In(s.loc)
	if v := q.Get("from"); v != "" {
		if from, err = time.ParseInLocation(time.RFC3339, v, s.loc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
	}

	count := defaultNextCount
	if v := q.Get("count"); v != "" {
		if count, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid count: "+v)
			return
		}
	}
	if count <= 0 || count > maxNextCount {
		writeError(w, http.StatusBadRequest, "count must be between 1 and "+strconv.Itoa(maxNextCount))
		return
	}

	resp := nextResponse{Expression: expr.String(), From: from, Occurrences: []time.Time{}}
	ref := from
	for len(resp.Occurrences) < count {
		next, err := s.eval.RepeatAfter(expr, ref, nil)
		if errors.Is(err, recurrence.ErrNoMatch) {
			resp.Exhausted = true
			break
		}
		if err != nil {
			writeServerError(w, "failed to evaluate expression", err)
			return
		}
		resp.Occurrences = append(resp.Occurrences, next)
		ref = next
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventDTO struct {
	ID           string    `json:"id"`
	SeriesID     string    `json:"series_id,omitempty"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Type         string    `json:"type,omitempty"`
	Participants []string  `json:"participants"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Rule         string    `json:"rule,omitempty"`
	Condition    string    `json:"condition,omitempty"`
}

func toDTO(ev *model.Event) eventDTO {
	participants := ev.Participants
	if participants == nil {
		participants = []string{}
	}
	return eventDTO{
		ID:           ev.ID,
		SeriesID:     ev.SeriesID,
		Title:        ev.Title,
		Description:  ev.Description,
		Location:     ev.Location,
		Type:         ev.Type,
		Participants: participants,
		Start:        ev.Times.Start,
		End:          ev.Times.End,
		Rule:         ev.Rule,
		Condition:    ev.Condition,
	}
}

// eventRequest is the body of POST /api/events and PUT /api/events/{id}.
type eventRequest struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Location     string    `json:"location"`
	Type         string    `json:"type"`
	Participants []string  `json:"participants"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

func (req eventRequest) apply(ev *model.Event) error {
	if req.Start.IsZero() {
		return errors.New("start is required")
	}
	end := req.End
	if end.IsZero() {
		end = req.Start
	}
	times, err := model.NewTimes(req.Start, end)
	if err != nil {
		return err
	}
	ev.Title = req.Title
	ev.Description = req.Description
	ev.Location = req.Location
	ev.Type = req.Type
	ev.Participants = req.Participants
	ev.Times = times
	return nil
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ev := &model.Event{}
	if err := req.apply(ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := store.Create(r.Context(), s.store, ev); err != nil {
		writeServerError(w, "failed to create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(ev))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.LoadEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(ev))
}

// handleUpdateEvent edits a single event. When the event is the root of a
// series the rest of the series follows the new dates.
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	ctx := r.Context()
	ev, err := s.store.LoadEvent(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := req.apply(ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if ev.Rule == "" {
		if err := s.store.Persist(ctx, store.Changes{Updated: []*model.Event{ev}}); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDTO(ev))
		return
	}

	// The root and the events following it are written in one unit of work.
	ser, err := series.Open(ctx, s.store, ev.ID, s.opts...)
	if err != nil {
		writeServerError(w, "failed to open series", err)
		return
	}
	if err := ser.UpdateRoot(ev); err != nil {
		writeEvalError(w, err)
		return
	}
	if err := ser.Save(ctx); err != nil {
		writeServerError(w, "failed to save series", err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(ser.Root()))
}

type seriesResponse struct {
	Root       string     `json:"root"`
	SeriesID   string     `json:"series_id,omitempty"`
	Expression string     `json:"expression,omitempty"`
	Condition  string     `json:"condition,omitempty"`
	Events     []eventDTO `json:"events"`
}

func newSeriesResponse(ser *series.Series) seriesResponse {
	root := ser.Root()
	resp := seriesResponse{
		Root:      root.ID,
		SeriesID:  root.SeriesID,
		Condition: root.Condition,
	}
	if expr := ser.Expression(); expr != nil {
		resp.Expression = expr.String()
	}
	for _, ev := range ser.Events() {
		resp.Events = append(resp.Events, toDTO(ev))
	}
	return resp
}

func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	ser, err := series.Open(r.Context(), s.store, r.PathValue("id"), s.opts...)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSeriesResponse(ser))
}

// seriesRequest is the body of PUT /api/events/{id}/series. Position selects
// the first event the edit applies to, 0 being the root.
type seriesRequest struct {
	Expression string `json:"expression"`
	Condition  string `json:"condition"`
	Position   int    `json:"position"`
}

type overlapResponse struct {
	Error  string   `json:"error"`
	First  eventDTO `json:"first"`
	Second eventDTO `json:"second"`
}

// handlePutSeries applies a rule to the series rooted at {id}. An edit whose
// events would overlap is refused with 409 and nothing is persisted.
func (s *Server) handlePutSeries(w http.ResponseWriter, r *http.Request) {
	var req seriesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expr, err := recurrence.Parse(req.Expression)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cond := recurrence.Once()
	if req.Condition != "" {
		if cond, err = recurrence.ParseCondition(req.Condition); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	ctx := r.Context()
	ser, err := series.Open(ctx, s.store, r.PathValue("id"), s.opts...)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	overlap, err := ser.OverlapAfterEdit(req.Position, &expr, &cond)
	if err != nil {
		writeEvalError(w, err)
		return
	}
	if pair, ok := overlap.Get(); ok {
		writeJSON(w, http.StatusConflict, overlapResponse{
			Error:  "series events would overlap",
			First:  toDTO(pair.First),
			Second: toDTO(pair.Second),
		})
		return
	}

	target, err := ser.EditFrom(ctx, req.Position, &expr, &cond)
	if err != nil {
		writeEvalError(w, err)
		return
	}
	if err := target.Save(ctx); err != nil {
		writeEvalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSeriesResponse(target))
}

// handleDeleteSeries removes the rule from {id}, deleting its generated
// events. The root itself is kept.
func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	ctx := r.Context()
	ser, err := series.Open(ctx, s.store, r.PathValue("id"), s.opts...)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ser.SetExpression(nil)
	if err := ser.Save(ctx); err != nil {
		writeServerError(w, "failed to save series", err)
		return
	}
	writeJSON(w, http.StatusOK, newSeriesResponse(ser))
}

func (s *Server) handleExportSeries(w http.ResponseWriter, r *http.Request) {
	ser, err := series.Open(r.Context(), s.store, r.PathValue("id"), s.opts...)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ics.Export(ser.Events(), time.Now()))
}

type importResponse struct {
	Roots   []string `json:"roots"`
	Series  int      `json:"series"`
	Skipped int      `json:"skipped"`
}

// handleImport stores the iCalendar document in the request body.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	res, err := ics.Import(r.Context(), s.store, body, s.opts...)
	if err != nil {
		// 일부 이벤트는 이미 저장되었을 수 있으므로 결과도 함께 로그로 남긴다.
		appLog.Error("ics import failed", err, "stored", len(res.Roots))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	roots := res.Roots
	if roots == nil {
		roots = []string{}
	}
	writeJSON(w, http.StatusOK, importResponse{Roots: roots, Series: res.Series, Skipped: res.Skipped})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

func writeServerError(w http.ResponseWriter, msg string, err error) {
	appLog.Error(msg, err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeServerError(w, "store failure", err)
}

// writeEvalError maps failures of series edits to client or server errors.
func writeEvalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, series.ErrInvalidPosition),
		errors.Is(err, recurrence.ErrInvalidCondition),
		errors.Is(err, recurrence.ErrNoMatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, series.ErrModified):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeStoreError(w, err)
	}
}
