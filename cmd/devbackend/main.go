// Command devbackend runs a local reasoning backend for the agent: the /stream
// protocol, the speech token endpoint and an /observe feed that can also tail
// the agent's Kafka transcript mirror.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"call-assist-agent/internal/devbackend"
	"call-assist-agent/internal/observability/logging"
)

func main() {
	port := flag.String("port", "8000", "HTTP server port")
	brokers := flag.String("brokers", "", "Kafka brokers to tail the transcript mirror from (comma-separated, empty disables)")
	topicPartial := flag.String("topic-partial", "call.transcript.partial", "Partial transcript topic")
	topicFinal := flag.String("topic-final", "call.transcript.final", "Final transcript topic")
	chunkDelay := flag.Duration("chunk-delay", 40*time.Millisecond, "Delay between streamed suggestion chunks")
	flag.Parse()

	lc := logging.DefaultConfig()
	lc.Format = "console"
	lc.Service = "devbackend"
	logging.Init(lc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := devbackend.NewHub()
	go hub.Run(ctx)

	if *brokers != "" {
		list := strings.Split(*brokers, ",")
		go hub.TailMirror(ctx, list, *topicPartial)
		go hub.TailMirror(ctx, list, *topicFinal)
	}

	cfg := devbackend.DefaultConfig()
	cfg.ChunkDelay = *chunkDelay
	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           devbackend.New(cfg, hub).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("brokers", *brokers).Msg("Dev backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
