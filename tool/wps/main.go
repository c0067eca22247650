/*
Copyright 2021-2025 Universität Tübingen, DKFZ, EMBL, and Universität zu Köln
for the German Human Genome-Phenome Archive (GHGA)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command wps runs the work package service: the REST API, the event
// consumer, or the database schema migration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ghga-de/wps"
	"github.com/ghga-de/wps/lib/accesscheck"
	"github.com/ghga-de/wps/lib/config"
	"github.com/ghga-de/wps/lib/crypt"
	"github.com/ghga-de/wps/lib/events"
	"github.com/ghga-de/wps/lib/logutils"
	"github.com/ghga-de/wps/lib/storage"
	"github.com/ghga-de/wps/lib/web"
	"github.com/ghga-de/wps/lib/workpackage"
)

func main() {
	app := kingpin.New(wps.ServiceName, "GHGA work package service.")
	app.Version(wps.Version)
	configPath := app.Flag("config", "Path to the configuration file.").
		Short('c').Default("/etc/wps/config.yaml").String()

	serveCmd := app.Command("serve", "Run the REST API.")
	consumeCmd := app.Command("consume", "Run the event consumer.")
	maxEvents := consumeCmd.Flag("max-events",
		"Stop after consuming this many events (0 = unbounded).").Default("0").Int()
	migrateCmd := app.Command("migrate", "Run the database schema migration.")
	migrateDown := migrateCmd.Flag("down", "Roll the migration back.").Bool()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	fc, err := config.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
	log, err := logutils.Initialize(fc.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case serveCmd.FullCommand():
		err = runServe(ctx, fc, log)
	case consumeCmd.FullCommand():
		err = runConsume(ctx, fc, log, *maxEvents)
	case migrateCmd.FullCommand():
		err = runMigrate(ctx, fc, log, *migrateDown)
	}
	if err != nil {
		log.ErrorContext(ctx, "Fatal error", "error", err)
		os.Exit(1)
	}
}

// newRepository wires the repository with all its dependencies.
func newRepository(
	fc *config.FileConfig, store *storage.Storage, log *slog.Logger,
) (*workpackage.Repository, error) {
	signer, err := crypt.NewSigner([]byte(fc.SigningKey), clockwork.NewRealClock())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	checker, err := accesscheck.NewClient(accesscheck.Config{URL: fc.Access.URL})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	repo, err := workpackage.NewRepository(workpackage.Config{
		ValidDays:     fc.ValidDays,
		Signer:        signer,
		AccessCheck:   checker,
		Datasets:      store.Datasets,
		UploadBoxes:   store.UploadBoxes,
		AccessionMaps: store.AccessionMaps,
		WorkPackages:  store.WorkPackages,
		Logger:        log,
	})
	return repo, trace.Wrap(err)
}

func openStorage(ctx context.Context, fc *config.FileConfig) (*storage.Storage, error) {
	store, err := storage.Open(ctx, storage.Config{
		URI:                     fc.Database.URI,
		Database:                fc.Database.Name,
		DatasetsCollection:      fc.Database.Collections.Datasets,
		UploadBoxesCollection:   fc.Database.Collections.UploadBoxes,
		WorkPackagesCollection:  fc.Database.Collections.WorkPackages,
		AccessionMapsCollection: fc.Database.Collections.AccessionMaps,
	})
	return store, trace.Wrap(err)
}

func runServe(ctx context.Context, fc *config.FileConfig, log *slog.Logger) error {
	store, err := openStorage(ctx, fc)
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close(context.Background())

	repo, err := newRepository(fc, store, log)
	if err != nil {
		return trace.Wrap(err)
	}
	verifier, err := crypt.NewVerifier([]byte(fc.AuthKey))
	if err != nil {
		return trace.Wrap(err)
	}
	handler, err := web.NewHandler(web.Config{
		Repository: repo,
		Verifier:   verifier,
		Logger:     log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	addr := net.JoinHostPort(fc.Host, strconv.Itoa(fc.Port))
	server := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "REST API listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return trace.Wrap(err)
	}
	return nil
}

func runConsume(ctx context.Context, fc *config.FileConfig, log *slog.Logger, maxEvents int) error {
	store, err := openStorage(ctx, fc)
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close(context.Background())

	repo, err := newRepository(fc, store, log)
	if err != nil {
		return trace.Wrap(err)
	}
	subscriber, err := events.NewSubscriber(events.Config{
		Brokers:              fc.Kafka.Brokers,
		GroupID:              fc.ServiceName,
		DatasetChangeTopic:   fc.Kafka.DatasetChangeTopic,
		DatasetUpsertionType: fc.Kafka.DatasetUpsertionType,
		DatasetDeletionType:  fc.Kafka.DatasetDeletionType,
		UploadBoxTopic:       fc.Kafka.UploadBoxTopic,
		AccessionMapTopic:    fc.Kafka.AccessionMapTopic,
		DLQTopic:             fc.Kafka.DLQTopic,
		EnableDLQ:            fc.Kafka.EnableDLQ,
		Repository:           repo,
		Logger:               log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer subscriber.Close()

	log.InfoContext(ctx, "Consuming events", "max_events", maxEvents)
	return trace.Wrap(subscriber.RunN(ctx, maxEvents))
}

func runMigrate(ctx context.Context, fc *config.FileConfig, log *slog.Logger, down bool) error {
	store, err := openStorage(ctx, fc)
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close(context.Background())

	collection := fc.Database.Collections.WorkPackages
	if collection == "" {
		collection = storage.DefaultWorkPackagesCollection
	}
	if down {
		return trace.Wrap(storage.RollbackWorkPackagesV2(
			ctx, store.Database(), collection, log))
	}
	return trace.Wrap(storage.MigrateWorkPackagesV2(
		ctx, store.Database(), collection, log))
}
