// Copyright 2025 VoiceLearn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mgmtd is the VoiceLearn local management daemon: telemetry ingest from
// mobile clients, supervised child services, resource and power monitoring,
// the idle state machine, and the dashboard HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/config"
	"github.com/voicelearn/mgmtd/internal/events"
	"github.com/voicelearn/mgmtd/internal/history"
	"github.com/voicelearn/mgmtd/internal/httpapi"
	"github.com/voicelearn/mgmtd/internal/idle"
	"github.com/voicelearn/mgmtd/internal/logs"
	"github.com/voicelearn/mgmtd/internal/monitor"
	"github.com/voicelearn/mgmtd/internal/supervisor"
	"github.com/voicelearn/mgmtd/internal/telemetry"
	"github.com/voicelearn/mgmtd/internal/version"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "services.yaml", "path to the service/upstream table")
	logFile := flag.String("log-file", "", "write JSON logs to this file instead of stderr")
	flag.Parse()

	log := logs.Default()
	if *logFile != "" {
		log = logs.New(*logFile)
	}

	if err := run(context.Background(), log, *configPath); err != nil {
		log.Errorf("mgmtd: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log logs.StructuredLogger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sysClock := clock.System()
	broadcaster := events.NewBroadcaster(log, sysClock)
	tele := telemetry.NewStore(log, sysClock, broadcaster)
	hist := history.Open(log, sysClock, cfg.DataDir)

	profiles := idle.OpenProfileStore(log, cfg.DataDir)
	idleMgr := idle.NewManager(log, sysClock, broadcaster, profiles,
		idle.NewHTTPTTSController(upstreamURL(cfg, "vibevoice")),
		idle.NewHTTPLLMController(log, upstreamURL(cfg, "ollama")))

	// The sample hook closes over mon; it only fires from mon.Run, after the
	// assignment below.
	var mon *monitor.Monitor
	mon = monitor.New(log, sysClock, monitor.Options{
		SampleHook: func(monitor.PowerSample) {
			hist.RecordSample(mon.Summary(), string(idleMgr.CurrentTier()))
		},
	})

	sup := supervisor.New(log, sysClock, broadcaster, cfg.Services, supervisor.Options{})
	sup.DetectExisting(ctx)

	registry := httpapi.NewRegistry(log, sysClock, nil, cfg.Upstreams)
	api := httpapi.NewServer(log, sysClock, broadcaster, tele, mon, hist, idleMgr, sup, registry)

	var wg sync.WaitGroup
	for _, task := range []func(context.Context){
		mon.Run,
		hist.Run,
		idleMgr.Run,
		sup.Watch,
	} {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(task)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("mgmtd %s listening on %s", version.Version, addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		// Bind or serve failure before any shutdown signal.
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	<-errCh

	// hist.Run performs the final flush on its way out.
	wg.Wait()
	broadcaster.CloseAll()
	log.Infof("mgmtd stopped")
	return nil
}

func upstreamURL(cfg *config.Config, id string) string {
	for _, u := range cfg.Upstreams {
		if u.ID == id {
			return u.URL
		}
	}
	return ""
}
