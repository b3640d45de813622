package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/t-web/relayq/internal/config"
	"github.com/t-web/relayq/internal/httpq"
	"github.com/t-web/relayq/internal/login"
	"github.com/t-web/relayq/internal/observability"
	"github.com/t-web/relayq/internal/relay"
	"github.com/t-web/relayq/internal/request"
)

var startedAt = time.Now()

func main() {
	configPath := flag.String("config", "relayctl.toml", "path to relayctl config")
	flag.Parse()

	logger := observability.InitLogger("relayctl")
	observability.RegisterMetrics()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	queue, err := httpq.New(httpq.Config{
		Workers:   cfg.Client.TransportWorkers,
		QueueSize: cfg.Client.TransportQueueLen,
		CAFile:    cfg.Client.CAFile,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("transport queue failed to start")
	}
	defer queue.Close()

	client := relay.NewClient(queue, buildLoginManager(cfg.Login))
	client.SetBaseURL(cfg.Client.BaseURL)
	client.SetRequestTimeout(cfg.Client.RequestTimeout())
	client.SetAllowDuplicateRequests(cfg.Client.AllowDuplicates)
	client.SetProgressListener(&gaugeProgress{logger: logger})

	if cfg.Login.Mode == "session" && cfg.Login.Username != "" {
		if err := client.Login(cfg.Login.Username, cfg.Login.Password); err != nil {
			logger.Warn().Err(err).Msg("initial login failed, continuing unauthenticated")
		}
	}

	go runProbes(client, cfg.Probes, logger)

	router := adminRouter(cfg, client, logger)
	srv := &http.Server{Addr: cfg.Admin.Addr, Handler: router}
	go func() {
		logger.Info().Str("addr", cfg.Admin.Addr).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")
	client.CancelAll()
	_ = srv.Close()
}

func buildLoginManager(cfg config.LoginConfig) login.Manager {
	if cfg.Mode == "session" {
		return login.NewSessionToken(cfg.LoginURL, cfg.LogoutURL, cfg.DomainDependsOnLogin)
	}
	return login.Anonymous{}
}

func adminRouter(cfg config.Config, client *relay.Client, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	if len(cfg.Admin.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.Admin.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"uptime":          time.Since(startedAt).String(),
			"service":         "relayctl",
			"active_requests": client.ActiveRequestsCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// runProbes issues the configured requests asynchronously and waits for
// their terminal callbacks.
func runProbes(client *relay.Client, probes []config.ProbeConfig, logger zerolog.Logger) {
	var wg sync.WaitGroup
	for _, probe := range probes {
		count := probe.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			wg.Add(1)
			listener := &relay.ListenerFuncs{
				Response: func(res *request.Response, tag string) {
					defer wg.Done()
					logger.Info().Str("tag", tag).Int("status", res.StatusCode).Msg("probe ok")
				},
				Error: func(err error, tag string) {
					defer wg.Done()
					logger.Warn().Str("tag", tag).Err(err).Msg("probe failed")
				},
				Cancel: func(tag string) {
					defer wg.Done()
					logger.Info().Str("tag", tag).Msg("probe cancelled")
				},
			}
			req := &request.Request{
				Method: strings.ToUpper(probe.Method),
				URL:    probeURL(client, probe.Path),
			}
			client.PerformRequest(req, probe.Tag, listener, false)
		}
	}
	wg.Wait()
	logger.Info().Msg("probes complete")
}

func probeURL(client *relay.Client, path string) string {
	return client.BaseURL() + strings.TrimPrefix(path, "/")
}

// gaugeProgress publishes the active request count and logs transitions.
type gaugeProgress struct {
	logger zerolog.Logger
}

func (g *gaugeProgress) OnRequestStarted(c *relay.Client, active int) {
	observability.SetActiveRequests(active)
	g.logger.Debug().Int("active", active).Msg("request started")
}

func (g *gaugeProgress) OnRequestFinished(c *relay.Client, active int) {
	observability.SetActiveRequests(active)
	g.logger.Debug().Int("active", active).Msg("request finished")
}
