package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"call-assist-agent/internal/api/duplex"
	"call-assist-agent/internal/config"
	"call-assist-agent/internal/events"
	apihttp "call-assist-agent/internal/http"
	"call-assist-agent/internal/observability"
	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/observability/metrics"
	"call-assist-agent/internal/schema"
	"call-assist-agent/internal/service/audio"
	"call-assist-agent/internal/service/recognition"
	"call-assist-agent/internal/service/session"
	"call-assist-agent/internal/service/stt"
	"call-assist-agent/internal/service/stt/google"
	"call-assist-agent/internal/service/stt/mock"
)

// Application holds process-wide state for the agent.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics     *metrics.Metrics
	Publisher   *events.Publisher
	Broadcaster *events.Broadcaster
	Channel     *duplex.Channel
	Mixer       *audio.Mixer
	Recognition *recognition.Session
	Controller  *session.Controller

	httpServer *http.Server
	obsServer  *observability.Server
}

// New wires every component from cfg. Nothing connects or listens until Start.
func New(cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	source, err := session.ParseSourceMode(cfg.Session.TranscriptSource)
	if err != nil {
		return nil, err
	}
	factory, err := newFactory(cfg.STT)
	if err != nil {
		return nil, err
	}
	capturer, err := newCapturer(cfg.Audio)
	if err != nil {
		return nil, err
	}
	validator, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("compile event schemas: %w", err)
	}

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})

	a.Broadcaster, err = events.NewBroadcaster(events.BroadcastConfig{
		Enabled:        cfg.NATS.Enabled,
		URL:            cfg.NATS.URL,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
	}, a.Metrics)
	if err != nil {
		appLogger.Warn().Err(err).Msg("NATS unavailable, state broadcast disabled")
		a.Broadcaster, _ = events.NewBroadcaster(events.BroadcastConfig{}, a.Metrics)
	}

	a.Channel = duplex.New(duplex.Config{
		ReconnectDelay: cfg.Backend.ReconnectDelay,
		DialTimeout:    cfg.Backend.DialTimeout,
		WriteTimeout:   cfg.Backend.WriteTimeout,
	}, a.Metrics)

	sessCfg := session.DefaultConfig()
	sessCfg.Source = source
	a.Controller = session.NewController(sessCfg, a.Channel, validator, a.Publisher, a.Metrics)

	mixOpts := audio.DefaultOptions()
	mixOpts.SampleRate = cfg.STT.SampleRateHz
	mixOpts.DisplayGain = float32(cfg.Audio.DisplayGain)
	mixOpts.MicGain = float32(cfg.Audio.MicGain)
	a.Mixer = audio.NewMixer(capturer, mixOpts, a.Metrics)

	recCfg := recognition.DefaultConfig()
	recCfg.Provider = cfg.STT.Provider
	recCfg.Options = stt.Options{
		LanguageCode:      cfg.STT.LanguageCode,
		SampleRateHz:      cfg.STT.SampleRateHz,
		EndSilenceTimeout: cfg.STT.EndSilenceTimeout,
	}
	recCfg.StopGrace = cfg.STT.StopGrace
	a.Recognition = recognition.NewSession(factory, newFetcher(cfg), a.Mixer, a.Controller, recCfg, a.Metrics)
	a.Controller.AttachRecognizer(a.Recognition)

	a.Channel.OnEvent(a.Controller.Route)
	a.Channel.OnStateChange(a.Controller.OnConnectionState)
	if a.Broadcaster.Enabled() {
		a.Controller.Subscribe(func(s session.State) {
			_ = a.Broadcaster.Broadcast(s.CallID, s)
		})
	}

	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           apihttp.NewRouter(a.Controller, a.Ready, a.Metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.obsServer = observability.NewServer(":"+cfg.Service.MetricsPort, nil, map[string]observability.Check{
		"backend": a.Channel.IsConnected,
		"nats":    a.Broadcaster.Healthy,
	})

	appLogger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("transcriptSource", source.String()).
		Str("capturer", cfg.Audio.Capturer).
		Msg("Call assist agent application created")
	return a, nil
}

// setupLogger configures zerolog for the agent.
func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	if a.Cfg.IsDev() {
		lc.Format = "console"
	}
	logging.Init(lc)

	a.Logger = logging.WithComponent("application")
	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Environment).
		Msg("Logger setup completed")
}

func newFactory(cfg config.STTConfig) (stt.Factory, error) {
	switch cfg.Provider {
	case mock.Provider:
		mc := mock.DefaultConfig()
		mc.FramesPerStep = cfg.MockFramesPerStep
		mc.SampleRateHz = cfg.SampleRateHz
		return mock.NewFactory(mc), nil
	case google.Provider:
		return google.NewFactory(google.Config{
			LanguageCode:      cfg.LanguageCode,
			SampleRateHz:      int32(cfg.SampleRateHz),
			InterimResults:    cfg.InterimResults,
			AudioEncoding:     cfg.AudioEncoding,
			EndSilenceTimeout: cfg.EndSilenceTimeout,
			EnableDiarization: cfg.EnableDiarization,
			MinSpeakers:       int32(cfg.MinSpeakers),
			MaxSpeakers:       int32(cfg.MaxSpeakers),
			Model:             cfg.Model,
		}), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

// newFetcher uses the backend token endpoint for real engines. The scripted
// engine needs no credentials.
func newFetcher(cfg *config.Config) recognition.CredentialFetcher {
	if cfg.STT.Provider == mock.Provider {
		return recognition.StaticFetcher{Token: "mock"}
	}
	return recognition.NewTokenFetcher(cfg.Backend.TokenURL, cfg.Backend.TokenTimeout)
}

func newCapturer(cfg config.AudioConfig) (audio.Capturer, error) {
	files := &audio.FileCapturer{
		DisplayPath:    cfg.DisplayPath,
		MicrophonePath: cfg.MicrophonePath,
		Realtime:       cfg.Realtime,
		Loop:           cfg.Loop,
	}
	switch cfg.Capturer {
	case "", "file":
		return files, nil
	case "file-no-display-audio":
		return audio.NoDisplayAudioCapturer{Capturer: files}, nil
	default:
		return nil, fmt.Errorf("unknown audio capturer %q", cfg.Capturer)
	}
}

// Ready reports whether the backend channel is open and the broadcaster is up.
func (a *Application) Ready() bool {
	return a.Channel.IsConnected() && a.Broadcaster.Healthy()
}

// Start connects to the backend and begins serving the control API.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	a.obsServer.Start()

	go func() {
		startLogger.Info().Str("addr", a.httpServer.Addr).Msg("Starting control API")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startLogger.Error().Err(err).Msg("Control API server error")
		}
	}()

	a.Channel.Connect(a.Cfg.Backend.URL)

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("backendUrl", a.Cfg.Backend.URL).
		Msg("Call assist agent starting")

	if a.Cfg.Session.AutoStart {
		if err := a.Controller.StartCall(ctx); err != nil {
			startLogger.Warn().Err(err).Msg("Automatic call start could not begin listening")
		}
	}
	return nil
}

// Shutdown stops listening, closes the backend channel and flushes pending
// snapshots before closing the servers and event sinks.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Call assist agent shutting down")

	if err := a.Recognition.Stop(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Recognition stop reported an error")
	}
	a.Channel.Close()
	a.Controller.Flush()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Control API shutdown error")
	}
	if err := a.obsServer.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Observability server shutdown error")
	}
	a.Broadcaster.Close()
	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Kafka publisher close error")
	}
}
