package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurelia-health/voice-intake/internal/api/router"
	"github.com/aurelia-health/voice-intake/internal/appointments"
	appconfig "github.com/aurelia-health/voice-intake/internal/config"
	"github.com/aurelia-health/voice-intake/internal/dispatch"
	"github.com/aurelia-health/voice-intake/internal/http/handlers"
	"github.com/aurelia-health/voice-intake/internal/notify"
	"github.com/aurelia-health/voice-intake/internal/observability/metrics"
	"github.com/aurelia-health/voice-intake/internal/realtime"
	"github.com/aurelia-health/voice-intake/internal/session"
	"github.com/aurelia-health/voice-intake/internal/validation"
	"github.com/aurelia-health/voice-intake/pkg/logging"
)

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voice-intake server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if cfg.OpenAIAPIKey == "" {
		logger.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	callMetrics := metrics.NewCallMetrics(registry)

	sender := buildEmailSender(cfg, logger)
	retry := validation.RetryPolicy{
		MaxAttempts: cfg.LookupMaxAttempts,
		BaseDelay:   cfg.LookupBaseDelay,
		Timeout:     cfg.LookupTimeout,
	}
	appts := appointments.NewService(nil)

	dispatcher := dispatch.New(dispatch.Config{
		Availability: validation.NewSimulatedAvailability(appts, callMetrics),
		Sender:       sender,
		Recipients:   cfg.BookingRecipients,
		Retry: validation.RetryPolicy{
			MaxAttempts: cfg.DispatchMaxAttempts,
			BaseDelay:   retry.BaseDelay,
			Timeout:     retry.Timeout,
		},
		Logger:  logger,
		Metrics: callMetrics,
	})

	voice := handlers.NewVoiceHandler(handlers.VoiceHandlerConfig{
		PublicHost: publicHost(cfg.PublicBaseURL),
		Realtime: realtime.Config{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.OpenAIModel,
			Voice:       cfg.OpenAIVoice,
			Temperature: cfg.OpenAITemperature,
			Logger:      logger,
		},
		Registry: session.NewRegistry(),
		Validator: validation.NewAddressValidator(validation.AddressValidatorConfig{
			APIKey:  cfg.GeoapifyAPIKey,
			Logger:  logger,
			Metrics: callMetrics,
		}),
		Appointments:    appts,
		Dispatcher:      dispatcher,
		Retry:           retry,
		MaxFieldRetries: cfg.IntakeMaxFieldRetries,
		QueueSize:       cfg.BridgeQueueSize,
		Logger:          logger,
		Metrics:         callMetrics,
	})

	r := router.New(&router.Config{
		Logger:         logger,
		Voice:          voice,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// Media-stream websockets are long-lived; only bound the handshake
		// and header reads.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildEmailSender picks the configured provider, falling back to the stub so
// a bare dev environment still runs end to end.
func buildEmailSender(cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	sgConfig := notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFromAddress,
		FromName:  cfg.EmailFromName,
	}
	switch cfg.EmailProvider {
	case "sendgrid":
		if s := notify.NewSendGridSender(sgConfig, logger); s != nil {
			return s
		}
		logger.Warn("EMAIL_PROVIDER=sendgrid but SENDGRID_API_KEY is empty, using stub")
	case "ses":
		if s := buildSESSender(cfg, logger); s != nil {
			return s
		}
		logger.Warn("EMAIL_PROVIDER=ses but AWS config failed, using stub")
	case "auto":
		if s := notify.NewSendGridSender(sgConfig, logger); s != nil {
			return s
		}
		if s := buildSESSender(cfg, logger); s != nil {
			return s
		}
	}
	return notify.NewStubEmailSender(logger)
}

func buildSESSender(cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("load AWS config", "error", err)
		return nil
	}
	s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
		FromEmail: cfg.EmailFromAddress,
		FromName:  cfg.EmailFromName,
	}, logger)
	if s == nil {
		return nil
	}
	return s
}

// publicHost reduces PUBLIC_BASE_URL to the bare host for TwiML stream URLs.
func publicHost(baseURL string) string {
	host := strings.TrimPrefix(baseURL, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "wss://")
	return strings.TrimSuffix(host, "/")
}
