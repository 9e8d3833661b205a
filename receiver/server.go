package receiver

import (
	"context"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/offline-outbox/wire"
)

const (
	defaultServiceName  = "outbox-receiver"
	defaultMaxTextRunes = 4096
	defaultMaxKeyLen    = 128
	defaultMaxBodyBytes = 64 << 10
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// Config defines receiver behavior.
type Config struct {
	ServiceName    string
	Logger         zerolog.Logger
	Registry       *prometheus.Registry
	TracerProvider trace.TracerProvider
	MaxTextRunes   int
	MaxKeyLen      int
	MaxBodyBytes   int64
	Now            func() time.Time

	// UnavailableRate answers that share of deliveries with 503 before reading them.
	UnavailableRate float64
	// LostAckRate stores that share of new messages but answers 500, as if the
	// acknowledgement was lost on the way back.
	LostAckRate float64
	// Latency delays every delivery.
	Latency time.Duration
	Rand    *rand.Rand
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.MaxTextRunes <= 0 {
		c.MaxTextRunes = defaultMaxTextRunes
	}
	if c.MaxKeyLen <= 0 {
		c.MaxKeyLen = defaultMaxKeyLen
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return c
}

// Option configures the receiver.
type Option func(*Config)

// WithLogger sets the access logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRegistry sets the registry collectors are registered in and /metrics serves.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = reg
	}
}

// WithTracerProvider sets the provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// WithMaxTextRunes limits accepted message length.
func WithMaxTextRunes(n int) Option {
	return func(c *Config) {
		c.MaxTextRunes = n
	}
}

// WithClock sets the time source for server ids and receive times.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

// WithFaults injects unavailability, lost acknowledgements and latency.
func WithFaults(unavailableRate, lostAckRate float64, latency time.Duration) Option {
	return func(c *Config) {
		c.UnavailableRate = unavailableRate
		c.LostAckRate = lostAckRate
		c.Latency = latency
	}
}

// WithRand sets the random source used for fault injection.
func WithRand(r *rand.Rand) Option {
	return func(c *Config) {
		c.Rand = r
	}
}

// Server serves the receiver API.
type Server struct {
	cfg     Config
	ledger  *Ledger
	metrics *metrics
	router  *gin.Engine
	down    atomic.Bool

	randMu sync.Mutex
}

// New builds a receiver with its routes registered.
func New(opts ...Option) *Server {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:     cfg,
		ledger:  NewLedger(),
		metrics: newMetrics(cfg.Registry),
	}
	s.router = s.routes()

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Ledger returns the accepted messages.
func (s *Server) Ledger() *Ledger {
	return s.ledger
}

// SetAvailable toggles an outage: while unavailable every delivery gets 503
// and /healthz fails.
func (s *Server) SetAvailable(available bool) {
	s.down.Store(!available)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.UseRawPath = true
	r.HandleMethodNotAllowed = true

	var traceOpts []otelgin.Option
	if s.cfg.TracerProvider != nil {
		traceOpts = append(traceOpts, otelgin.WithTracerProvider(s.cfg.TracerProvider))
	}
	r.Use(otelgin.Middleware(s.cfg.ServiceName, traceOpts...))
	r.Use(requestID())
	r.Use(accessLog(s.cfg.Logger))
	r.Use(recovery(s.cfg.Logger))
	r.Use(s.metrics.middleware())

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, wire.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, wire.CodeNotFound, "method not allowed")
	})

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1/conversations/:id/messages")
	v1.POST("", s.deliver)
	v1.GET("", s.list)

	return r
}

func (s *Server) health(c *gin.Context) {
	if s.down.Load() {
		fail(c, http.StatusServiceUnavailable, wire.CodeUnavailable, "receiver unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deliver(c *gin.Context) {
	key := c.GetHeader(wire.HeaderIdempotencyKey)
	if key == "" || len(key) > s.cfg.MaxKeyLen || !keyPattern.MatchString(key) {
		s.metrics.delivery("invalid_key")
		fail(c, http.StatusBadRequest, wire.CodeInvalidKey, "invalid or missing Idempotency-Key")
		return
	}
	if s.down.Load() || s.roll(s.cfg.UnavailableRate) {
		s.metrics.delivery("unavailable")
		fail(c, http.StatusServiceUnavailable, wire.CodeUnavailable, "receiver unavailable")
		return
	}
	if err := sleep(c.Request.Context(), s.cfg.Latency); err != nil {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	var req wire.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.delivery("invalid_body")
		fail(c, http.StatusBadRequest, wire.CodeInvalidBody, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.metrics.delivery("rejected")
		fail(c, http.StatusUnprocessableEntity, wire.CodeEmptyText, "text is required")
		return
	}
	if utf8.RuneCountInString(req.Text) > s.cfg.MaxTextRunes {
		s.metrics.delivery("rejected")
		fail(c, http.StatusUnprocessableEntity, wire.CodeTooLong, "text is too long")
		return
	}

	conversation := c.Param("id")
	stored, duplicate, err := s.ledger.Accept(wire.Message{
		ClientKey:      key,
		ConversationID: conversation,
		Text:           req.Text,
		CreatedAt:      req.CreatedAt.UTC(),
	}, s.cfg.Now())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, wire.CodeInternal, "could not store message")
		return
	}

	resp := wire.SendResponse{
		ServerID:       stored.ServerID,
		ClientKey:      key,
		ConversationID: stored.ConversationID,
		Duplicate:      duplicate,
	}
	if duplicate {
		s.metrics.delivery("duplicate")
		loggerFrom(c).Debug().Str("client_key", key).Msg("duplicate delivery")
		c.JSON(http.StatusOK, resp)
		return
	}
	if s.roll(s.cfg.LostAckRate) {
		s.metrics.delivery("lost_ack")
		fail(c, http.StatusInternalServerError, wire.CodeInternal, "acknowledgement lost")
		return
	}

	s.metrics.delivery("accepted")
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.ledger.List(c.Param("id"))})
}

func (s *Server) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()

	return s.cfg.Rand.Float64() < rate
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
