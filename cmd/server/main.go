package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/voicepipe/internal/audio"
	"github.com/chadiek/voicepipe/internal/config"
	"github.com/chadiek/voicepipe/internal/history"
	"github.com/chadiek/voicepipe/internal/httpserver"
	"github.com/chadiek/voicepipe/internal/pipeline"
	"github.com/chadiek/voicepipe/internal/realtime"
	"github.com/chadiek/voicepipe/internal/recovery"
	"github.com/chadiek/voicepipe/internal/vad"
	"github.com/chadiek/voicepipe/internal/wakeword"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	personas, err := config.LoadPersonas(cfg.PersonaFile, log.Printf)
	if err != nil {
		log.Fatalf("personas: %v", err)
	}

	store, err := history.Open(cfg.HistoryDir)
	if err != nil {
		log.Fatalf("history store: %v", err)
	}

	audioMgr := audio.New(audio.Config{})

	wakeMux := wakeword.NewMux()
	for _, p := range personas.All() {
		wakeMux.Add(wakeword.NewSpotter(wakeword.Config{ModelKey: p.ModelKey}))
		log.Printf("wakeword: model %s loaded for %s", p.ModelKey, p.DisplayName)
	}

	rec := recovery.New(recovery.Config{
		Strategy: recovery.Strategy{
			Base:        cfg.BackoffBase,
			Max:         cfg.BackoffMax,
			MaxAttempts: cfg.RetryBudget,
		},
		DegradeThreshold: cfg.DegradeThreshold,
		Retryable:        pipeline.Retryable,
	})

	pipe := pipeline.New(pipeline.Config{
		MaxRecording: cfg.MaxRecording,
		ResponseWait: cfg.ResponseWait,
		ProbePeriod:  cfg.ProbePeriod,
	}, pipeline.Deps{
		Audio:    audioMgr,
		WakeWord: wakeMux,
		VAD:      vad.New(vad.Config{}),
		Sessions: realtime.NewDialer(realtime.Config{
			URL:    cfg.SpeechURL,
			APIKey: cfg.SpeechKey,
		}),
		Personas: personas,
		Recovery: rec,
		History:  store,
	})

	if err := pipe.Start(context.Background()); err != nil {
		log.Fatalf("pipeline start: %v", err)
	}

	srv := httpserver.New(pipe, store, audioMgr)

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- srv.Start(cfg.HTTPAddress)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown failed: %v", err)
	}
	if err := pipe.Stop(ctx); err != nil {
		log.Printf("pipeline stop failed: %v", err)
	}
	if err := audioMgr.Close(); err != nil {
		log.Printf("audio close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("history close failed: %v", err)
	}
}
