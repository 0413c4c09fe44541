package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"coinlink/client"
	"coinlink/config"
	"coinlink/internal/metrics"
	"coinlink/logger"
	"coinlink/models"
)

//go:embed templates/*.tmpl
var embeddedFS embed.FS

// Source is the client state the dashboard reports on.
type Source interface {
	ID() string
	State() client.State
	Subject() string
	Snapshots() map[models.Topic]models.Update
}

// Server hosts the Gin-powered status dashboard.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	source            Source
	collector         *metrics.Collector
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
	startedAt         time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil. collector
// may be nil, in which case /metrics is not served.
func NewServer(cfg config.DashboardConfig, log *logger.Log, source Source, collector *metrics.Collector) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if source == nil {
		return nil, errors.New("dashboard: source is required")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, log)

	server := &Server{
		cfg:               cfg,
		log:               log,
		source:            source,
		collector:         collector,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   sampler,
		startedAt:         time.Now(),
	}

	if server.refreshIntervalMs <= 0 {
		server.refreshIntervalMs = int((5 * time.Second) / time.Millisecond)
	}

	return server, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	// client IPs come from the socket, never from forwarded headers
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl, err := template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl")
	if err != nil {
		return nil, err
	}
	router.SetHTMLTemplate(tmpl)

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": s.refreshIntervalMs,
		})
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"client_id":  s.source.ID(),
			"state":      s.source.State().String(),
			"subject":    s.source.Subject(),
			"started_at": s.startedAt.Format(time.RFC3339Nano),
			"uptime_s":   int64(time.Since(s.startedAt).Seconds()),
		})
	})

	router.GET("/api/snapshots", func(c *gin.Context) {
		snapshots := s.source.Snapshots()
		topics := make([]string, 0, len(snapshots))
		for t := range snapshots {
			topics = append(topics, string(t))
		}
		sort.Strings(topics)
		payload := make([]models.Update, 0, len(topics))
		for _, t := range topics {
			payload = append(payload, snapshots[models.Topic(t)])
		}
		c.JSON(http.StatusOK, gin.H{"snapshots": payload})
	})

	router.GET("/api/snapshots/:topic", func(c *gin.Context) {
		topic, ok := models.ParseTopic(c.Param("topic"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown topic " + c.Param("topic")})
			return
		}
		update, ok := s.source.Snapshots()[topic]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no update received for " + string(topic)})
			return
		}
		c.JSON(http.StatusOK, update)
	})

	if s.collector != nil {
		router.GET("/metrics", gin.WrapH(s.collector.Handler()))
	}

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload, "totals": s.metricStore.summary()})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		minLevel := logrus.TraceLevel
		if raw := c.Query("level"); raw != "" {
			lvl, err := logrus.ParseLevel(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			minLevel = lvl
		}
		logsSnapshot := s.logStore.query(c.Query("component"), minLevel)
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level.String(),
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

const (
	defaultDashboardHost = "127.0.0.1"
	defaultDashboardPort = "8088"
)

// normalizeAddress turns the configured address into host:port. URLs are
// reduced to their host, a bare port binds loopback and missing parts take
// the defaults.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort(defaultDashboardHost, defaultDashboardPort)
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// no port, or a bare IPv6 literal
		host, port = strings.Trim(addr, "[]"), ""
	}
	if host == "" {
		host = defaultDashboardHost
	}
	if host == "*" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = defaultDashboardPort
	}
	return net.JoinHostPort(host, port)
}
