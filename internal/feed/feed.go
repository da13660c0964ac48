// Package feed implements the polling sensor feed behind the IoT dashboard.
//
// A Feed is started when the dashboard is shown and stopped when it goes
// away. While polling it fetches one snapshot per tick; fetches may overlap
// and every result carries a generation number so that a late response can
// never overwrite a newer one, or anything after Stop.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agriboost/agriboost-web/internal/apiclient"
	"github.com/agriboost/agriboost-web/internal/domain"
)

// State is the lifecycle state of a Feed.
type State int

const (
	Idle State = iota
	Polling
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	msgFetchFailed   = "Failed to fetch sensor data. Please try again."
	msgPredictFailed = "Failed to predict fertilizer. Please try again."
)

var (
	ErrNoSnapshot        = errors.New("no sensor snapshot fetched yet")
	ErrSoilTypeRequired  = errors.New("soil type is required")
	ErrUnknownSoilType   = errors.New("unknown soil type")
	ErrLoginRequired     = errors.New("login required to predict")
	ErrPredictInProgress = errors.New("prediction already in progress")
	ErrAlreadyStarted    = errors.New("feed already started")
)

var userMessages = map[error]string{
	ErrNoSnapshot:        "No sensor data available for prediction.",
	ErrSoilTypeRequired:  "Please select a soil type before predicting.",
	ErrUnknownSoilType:   "Please select a valid soil type.",
	ErrLoginRequired:     "Please login to save fertilizer predictions. Predictions require authentication.",
	ErrPredictInProgress: "A prediction is already in progress.",
}

// PredictionError is a failed prediction carrying the backend's message.
type PredictionError struct {
	Message string
	Err     error
}

func (e *PredictionError) Error() string { return e.Message }
func (e *PredictionError) Unwrap() error { return e.Err }

// Message returns the dashboard text for an error returned by Predict.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, msg := range userMessages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	var pe *PredictionError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return msgPredictFailed
}

// Source is the backend as seen by the feed.
type Source interface {
	SensorFeed(ctx context.Context) (*domain.FeedEnvelope, error)
	Predictions(ctx context.Context) ([]domain.PredictionRecord, error)
	PredictFertilizer(ctx context.Context, req domain.FertilizerRequest) (*domain.PredictionRecord, error)
}

// Config configures New.
type Config struct {
	// Interval between snapshot fetches. Defaults to 5s.
	Interval time.Duration
	// HistoryLimit bounds the prediction history. Defaults to 10.
	HistoryLimit int
	// HasSession reports whether the device holds an access token. The
	// history fetch is skipped when it returns false. Nil means always.
	HasSession func(ctx context.Context) bool
	// Ticks replaces the internal ticker. Used by tests.
	Ticks  <-chan time.Time
	Logger *slog.Logger
}

// View is an immutable copy of what the dashboard renders.
type View struct {
	State       string                    `json:"state"`
	Loading     bool                      `json:"loading"`
	Snapshot    *domain.SensorSnapshot    `json:"snapshot,omitempty"`
	Alerts      []domain.SensorAlert      `json:"alerts,omitempty"`
	LowBattery  bool                      `json:"low_battery"`
	Source      string                    `json:"source,omitempty"`
	LastUpdated string                    `json:"last_updated,omitempty"`
	Predicting  bool                      `json:"predicting"`
	Prediction  *domain.PredictionRecord  `json:"prediction,omitempty"`
	History     []domain.PredictionRecord `json:"history"`
	Error       string                    `json:"error,omitempty"`
}

// Feed is the polling state machine: Idle -> Polling -> Stopped.
type Feed struct {
	src    Source
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	issued      uint64
	applied     uint64
	loading     bool
	snapshot    *domain.SensorSnapshot
	source      string
	lastUpdated string
	history     []domain.PredictionRecord
	prediction  *domain.PredictionRecord
	predicting  bool
	errMsg      string
	observers   []func(View)
	done        chan struct{}
}

// New creates an Idle feed.
func New(src Source, cfg Config) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		src:     src,
		cfg:     cfg,
		logger:  logger,
		loading: true,
		history: []domain.PredictionRecord{},
	}
}

// OnChange registers fn to receive a View after every state change. It is
// called from the feed's goroutines and must not block.
func (f *Feed) OnChange(fn func(View)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

// State returns the current lifecycle state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// View returns a copy of the current view.
func (f *Feed) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewLocked()
}

// Start moves the feed to Polling. It fetches a snapshot and, if a session
// exists, the prediction history right away, then one snapshot per tick.
// ctx must carry the device identity and bounds the feed's lifetime.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.state != Idle {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	pctx, cancel := context.WithCancel(ctx)
	f.state = Polling
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	f.fetchSnapshot(pctx)
	if f.cfg.HasSession == nil || f.cfg.HasSession(pctx) {
		go f.fetchHistory(pctx)
	}

	ticks := f.cfg.Ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(f.cfg.Interval)
		ticks = ticker.C
	}

	go func() {
		defer close(f.done)
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticks:
				f.fetchSnapshot(pctx)
			}
		}
	}()

	f.logger.Debug("Feed started", "interval", f.cfg.Interval)
	return nil
}

// Stop moves the feed to Stopped. No fetch is issued afterwards and results
// still in flight are discarded. Safe to call more than once.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.state == Stopped {
		f.mu.Unlock()
		return
	}
	wasPolling := f.state == Polling
	f.state = Stopped
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if !wasPolling {
		return
	}
	cancel()
	<-done
	f.logger.Debug("Feed stopped")
}

// fetchSnapshot issues one snapshot fetch in its own goroutine.
func (f *Feed) fetchSnapshot(ctx context.Context) {
	f.mu.Lock()
	if f.state != Polling {
		f.mu.Unlock()
		return
	}
	f.issued++
	gen := f.issued
	f.mu.Unlock()

	go func() {
		env, err := f.src.SensorFeed(ctx)
		f.applySnapshot(gen, env, err)
	}()
}

func (f *Feed) applySnapshot(gen uint64, env *domain.FeedEnvelope, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Polling || gen <= f.applied {
		f.logger.Debug("Discarding stale sensor result", "generation", gen, "applied", f.applied)
		return
	}

	f.loading = false
	if err != nil {
		f.logger.Warn("Failed to fetch sensor data", "generation", gen, "error", err)
		f.errMsg = msgFetchFailed
		f.notifyLocked()
		return
	}

	f.applied = gen
	if f.errMsg == msgFetchFailed {
		f.errMsg = ""
	}
	if first := env.First(); first != nil {
		f.snapshot = first
		f.source = domain.SourceLabel(env.Source)
		f.lastUpdated = env.LastUpdated
	}
	f.notifyLocked()
}

func (f *Feed) fetchHistory(ctx context.Context) {
	records, err := f.src.Predictions(ctx)
	if err != nil {
		f.logger.Debug("Prediction history unavailable", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Polling {
		return
	}
	f.history = f.boundLocked(mergeHistory(f.history, records))
	f.notifyLocked()
}

// mergeHistory puts predictions made while the history was loading ahead of
// the fetched records, skipping ones the backend already returned.
func mergeHistory(local, fetched []domain.PredictionRecord) []domain.PredictionRecord {
	if len(local) == 0 {
		return fetched
	}
	seen := make(map[int64]bool, len(fetched))
	for _, r := range fetched {
		seen[r.ID] = true
	}
	merged := make([]domain.PredictionRecord, 0, len(local)+len(fetched))
	for _, r := range local {
		if !seen[r.ID] {
			merged = append(merged, r)
		}
	}
	return append(merged, fetched...)
}

// Predict requests a fertilizer recommendation for the current snapshot.
func (f *Feed) Predict(ctx context.Context, soilType string) (*domain.PredictionRecord, error) {
	f.mu.Lock()
	snap := f.snapshot
	var err error
	switch {
	case snap == nil:
		err = ErrNoSnapshot
	case soilType == "":
		err = ErrSoilTypeRequired
	case !domain.IsSoilType(soilType):
		err = ErrUnknownSoilType
	case f.predicting:
		err = ErrPredictInProgress
	}
	if err != nil {
		f.errMsg = Message(err)
		f.notifyLocked()
		f.mu.Unlock()
		return nil, err
	}
	req := domain.NewFertilizerRequest(snap, soilType)
	f.predicting = true
	f.errMsg = ""
	f.notifyLocked()
	f.mu.Unlock()

	rec, err := f.src.PredictFertilizer(ctx, req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicting = false
	if f.state != Polling {
		f.logger.Debug("Discarding prediction result after stop")
		if err != nil {
			return nil, AsPredictionError(err)
		}
		return rec, nil
	}

	if err != nil {
		err = AsPredictionError(err)
		f.errMsg = Message(err)
		f.notifyLocked()
		return nil, err
	}

	f.prediction = rec
	f.history = f.boundLocked(append([]domain.PredictionRecord{*rec}, f.history...))
	f.notifyLocked()
	return rec, nil
}

// AsPredictionError maps a failed backend prediction call to ErrLoginRequired
// or a *PredictionError carrying the message to show.
func AsPredictionError(err error) error {
	if apiclient.IsUnauthorized(err) {
		return ErrLoginRequired
	}
	msg := apiclient.FieldMessage(err, "error", "detail")
	if msg == "" {
		msg = msgPredictFailed
	}
	return &PredictionError{Message: msg, Err: err}
}

func (f *Feed) boundLocked(records []domain.PredictionRecord) []domain.PredictionRecord {
	if len(records) > f.cfg.HistoryLimit {
		records = records[:f.cfg.HistoryLimit]
	}
	return append([]domain.PredictionRecord(nil), records...)
}

func (f *Feed) viewLocked() View {
	v := View{
		State:       f.state.String(),
		Loading:     f.loading,
		Source:      f.source,
		LastUpdated: f.lastUpdated,
		Predicting:  f.predicting,
		History:     append([]domain.PredictionRecord{}, f.history...),
		Error:       f.errMsg,
	}
	if f.snapshot != nil {
		s := *f.snapshot
		s.Alerts = append([]string(nil), f.snapshot.Alerts...)
		v.Snapshot = &s
		v.Alerts = domain.ClassifyAlerts(s.Alerts)
		v.LowBattery = s.LowBattery()
	}
	if f.prediction != nil {
		p := *f.prediction
		v.Prediction = &p
	}
	return v
}

func (f *Feed) notifyLocked() {
	if len(f.observers) == 0 {
		return
	}
	v := f.viewLocked()
	for _, fn := range f.observers {
		fn(v)
	}
}
