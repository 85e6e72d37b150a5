package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/mocapfusion/internal/api"
	"github.com/banshee-data/mocapfusion/internal/config"
	"github.com/banshee-data/mocapfusion/internal/dispatch"
	"github.com/banshee-data/mocapfusion/internal/fusion"
	"github.com/banshee-data/mocapfusion/internal/ingest"
	"github.com/banshee-data/mocapfusion/internal/session"
	"github.com/banshee-data/mocapfusion/internal/sinks"
	"github.com/banshee-data/mocapfusion/internal/storage"
	"github.com/banshee-data/mocapfusion/internal/storage/jsonfile"
	"github.com/banshee-data/mocapfusion/internal/storage/sqlite"
	"github.com/banshee-data/mocapfusion/internal/stream"
	"github.com/banshee-data/mocapfusion/internal/version"
)

// app holds every long-lived component of the server.
type app struct {
	cfg *config.Config

	sources *storage.Sources
	db      *sqlite.Store

	registry   *fusion.Registry
	pipeline   *fusion.Pipeline
	dispatcher *dispatch.Dispatcher
	udp        *sinks.UDPBroadcaster
	stream     *stream.Publisher
	ctrl       *session.Controller
	inputs     []ingest.Source
}

// newApp opens storage and builds the engine. Nothing runs until run is
// called.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	db, err := sqlite.Open(config.StoreSQLite, cfg.ResolvePath(cfg.Storage.SQLitePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	js, err := jsonfile.Open(config.StoreJSON, cfg.ResolvePath(cfg.Storage.JSONDir))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open json store: %w", err)
	}
	a.db = db
	a.sources = storage.NewSources(db, js)

	corrections, err := cfg.Corrections()
	if err != nil {
		a.sources.Close()
		return nil, err
	}
	a.registry = fusion.NewRegistry()
	a.pipeline = fusion.NewPipeline(fusion.DefaultMergers(a.registry, cfg.RigMap(), corrections))

	a.dispatcher = dispatch.New()
	if cfg.ConsoleEvery > 0 {
		a.dispatcher.Add(sinks.NewConsole(cfg.ConsoleEvery))
	}
	a.udp, err = sinks.NewUDPBroadcaster(cfg.UDPStream.Listen, time.Minute)
	if err != nil {
		a.sources.Close()
		return nil, err
	}
	for _, r := range cfg.UDPStream.Receivers {
		if err := addReceiver(a.udp, r); err != nil {
			a.close()
			return nil, err
		}
	}
	a.dispatcher.Add(a.udp)

	a.stream = stream.NewPublisher(stream.Config{ListenAddr: cfg.GRPCListen})
	a.dispatcher.Add(a.stream)

	a.ctrl, err = session.NewController(session.Options{
		Sources:  a.sources,
		RecordTo: cfg.Storage.RecordTo,
		Live:     a.pipeline,
		Output:   a.dispatcher,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.inputs, err = buildInputs(cfg, a.pipeline.HandleFrame)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func addReceiver(udp *sinks.UDPBroadcaster, hostPort string) error {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return fmt.Errorf("udp_stream receiver %q: %w", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("udp_stream receiver %q: invalid port", hostPort)
	}
	_, err = udp.AddReceiver(host, port)
	return err
}

// buildInputs creates one ingest source per enabled adapter.
func buildInputs(cfg *config.Config, h ingest.Handler) ([]ingest.Source, error) {
	var out []ingest.Source
	for _, a := range cfg.EnabledAdapters() {
		id := ingest.Identity{SourceID: a.Name, AdapterType: a.Type()}
		switch a.Transport {
		case config.TransportUDP:
			out = append(out, ingest.NewUDPSource(id, a.Address, h))
		case config.TransportSerial:
			out = append(out, ingest.NewSerialSource(id, a.Address, a.BaudRate, h))
		case config.TransportPCAP:
			src := ingest.NewPCAPSource(id, cfg.ResolvePath(a.PCAPFile), a.PCAPPort, h)
			src.Paced = a.Paced
			out = append(out, src)
		default:
			return nil, fmt.Errorf("adapter %s: unknown transport %q", a.Name, a.Transport)
		}
	}
	return out, nil
}

// routes builds the HTTP handler: control plane plus sqlite admin routes.
func (a *app) routes() (http.Handler, error) {
	mux := api.NewServer(api.Options{
		Controller: a.ctrl,
		Sources:    a.sources,
		Registry:   a.registry,
		Pipeline:   a.pipeline,
		Dispatcher: a.dispatcher,
		UDP:        a.udp,
		Stream:     a.stream,
		Version:    version.Current(),
	}).ServeMux()
	if err := a.db.AttachAdminRoutes(mux); err != nil {
		return nil, fmt.Errorf("attach admin routes: %w", err)
	}
	return api.LoggingMiddleware(mux), nil
}

// run starts every component and blocks until ctx is cancelled.
func (a *app) run(parent context.Context) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	handler, err := a.routes()
	if err != nil {
		return err
	}
	if err := a.stream.Start(nil); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.udp.Run(ctx)
	}()
	for _, src := range a.inputs {
		wg.Add(1)
		go func(src ingest.Source) {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Ingest] %s stopped: %v", src.Name(), err)
			}
		}(src)
	}

	if a.cfg.StartMode == "record" {
		if _, err := a.ctrl.StartRecord(ctx); err != nil {
			log.Printf("[Session] failed to start recording at startup: %v", err)
		}
	}

	server := &http.Server{Addr: a.cfg.HTTPListen, Handler: handler}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP control plane listening on %s", a.cfg.HTTPListen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.ctrl.Exit(shutdownCtx); err != nil {
		log.Printf("[Session] exit: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	a.stream.Stop()
	stop()
	wg.Wait()
	return err
}

func (a *app) close() {
	if a.udp != nil {
		a.udp.Close()
	}
	if err := a.sources.Close(); err != nil {
		log.Printf("close storage: %v", err)
	}
}
