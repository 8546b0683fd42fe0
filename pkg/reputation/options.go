package reputation

import (
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/lock"
	"github.com/elonfeng/sourcerep/internal/metrics"
)

// Weights are the blend factors of the score formula. They should sum to 1.
type Weights struct {
	Rating   float64
	Accuracy float64
	Current  float64
}

// Options configures an Engine. Zero fields take the defaults below.
type Options struct {
	MaxRatingsPerDay int
	MaxCommentLen    int
	MaxNoteLen       int

	TrustMin     float64
	TrustMax     float64
	TrustDefault float64
	FeedbackStep float64

	SpikeThreshold int
	SpikeWindow    time.Duration

	CoordinationWindow     int
	CoordinationThreshold  float64
	CoordinationMinRatings int

	StaleAfter       time.Duration
	DecayPerWeek     int
	MaxDecay         int
	DecayConcurrency int

	ScoreFloor   int
	ScoreCeiling int
	InitialScore int
	Weights      Weights

	StoreTimeout  time.Duration
	NotifyTimeout time.Duration

	Now      func() time.Time
	Locker   lock.Locker
	Notifier AnomalyNotifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxRatingsPerDay:       20,
		MaxCommentLen:          2000,
		MaxNoteLen:             1000,
		TrustMin:               0.1,
		TrustMax:               3.0,
		TrustDefault:           1.0,
		FeedbackStep:           0.05,
		SpikeThreshold:         5,
		SpikeWindow:            time.Hour,
		CoordinationWindow:     10,
		CoordinationThreshold:  0.8,
		CoordinationMinRatings: 5,
		StaleAfter:             30 * 24 * time.Hour,
		DecayPerWeek:           2,
		MaxDecay:               20,
		DecayConcurrency:       4,
		ScoreFloor:             10,
		ScoreCeiling:           100,
		InitialScore:           50,
		Weights:                Weights{Rating: 0.3, Accuracy: 0.5, Current: 0.2},
		StoreTimeout:           5 * time.Second,
		NotifyTimeout:          30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRatingsPerDay <= 0 {
		o.MaxRatingsPerDay = d.MaxRatingsPerDay
	}
	if o.MaxCommentLen <= 0 {
		o.MaxCommentLen = d.MaxCommentLen
	}
	if o.MaxNoteLen <= 0 {
		o.MaxNoteLen = d.MaxNoteLen
	}
	if o.TrustMin <= 0 {
		o.TrustMin = d.TrustMin
	}
	if o.TrustMax <= 0 {
		o.TrustMax = d.TrustMax
	}
	if o.TrustDefault <= 0 {
		o.TrustDefault = d.TrustDefault
	}
	if o.FeedbackStep <= 0 {
		o.FeedbackStep = d.FeedbackStep
	}
	if o.SpikeThreshold <= 0 {
		o.SpikeThreshold = d.SpikeThreshold
	}
	if o.SpikeWindow <= 0 {
		o.SpikeWindow = d.SpikeWindow
	}
	if o.CoordinationWindow <= 0 {
		o.CoordinationWindow = d.CoordinationWindow
	}
	if o.CoordinationThreshold <= 0 {
		o.CoordinationThreshold = d.CoordinationThreshold
	}
	if o.CoordinationMinRatings <= 0 {
		o.CoordinationMinRatings = d.CoordinationMinRatings
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.DecayPerWeek <= 0 {
		o.DecayPerWeek = d.DecayPerWeek
	}
	if o.MaxDecay <= 0 {
		o.MaxDecay = d.MaxDecay
	}
	if o.DecayConcurrency <= 0 {
		o.DecayConcurrency = d.DecayConcurrency
	}
	if o.ScoreFloor <= 0 {
		o.ScoreFloor = d.ScoreFloor
	}
	if o.ScoreCeiling <= 0 {
		o.ScoreCeiling = d.ScoreCeiling
	}
	if o.InitialScore <= 0 {
		o.InitialScore = d.InitialScore
	}
	if o.Weights.Rating+o.Weights.Accuracy+o.Weights.Current == 0 {
		o.Weights = d.Weights
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = d.NotifyTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Locker == nil {
		o.Locker = lock.NewKeyedMutex()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(false)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
