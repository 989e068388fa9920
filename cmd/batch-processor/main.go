/*
Copyright 2026 The llm-d Authors

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

// The entry point for the batch-processor worker: wires the Postgres
// store and job queue, the on-disk file store, the outbound provider and
// delivery clients, and every WorkflowActions handler to the job kind it
// drives, then runs recovery once and the dispatcher's lease loops until
// signalled to stop.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/batchbuilder"
	"github.com/llm-d-incubation/batch-gateway/internal/capacity"
	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/config"
	"github.com/llm-d-incubation/batch-gateway/internal/dispatcher"
	"github.com/llm-d-incubation/batch-gateway/internal/eventing"
	"github.com/llm-d-incubation/batch-gateway/internal/filestore"
	jobqueuepg "github.com/llm-d-incubation/batch-gateway/internal/jobqueue/postgres"
	"github.com/llm-d-incubation/batch-gateway/internal/model"
	"github.com/llm-d-incubation/batch-gateway/internal/providerclient"
	"github.com/llm-d-incubation/batch-gateway/internal/publisher"
	"github.com/llm-d-incubation/batch-gateway/internal/recovery"
	"github.com/llm-d-incubation/batch-gateway/internal/settings"
	storepg "github.com/llm-d-incubation/batch-gateway/internal/store/postgres"
	"github.com/llm-d-incubation/batch-gateway/internal/util/interrupt"
	"github.com/llm-d-incubation/batch-gateway/internal/util/logging"
	"github.com/llm-d-incubation/batch-gateway/internal/util/tls"
	"github.com/llm-d-incubation/batch-gateway/internal/workflow"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	rootLogger := klog.Background()
	ctx := klog.NewContext(context.Background(), rootLogger)

	hostname, _ := os.Hostname()
	rootLogger = rootLogger.WithValues("hostname", hostname, "service", "batch-processor")
	ctx = klog.NewContext(ctx, rootLogger)
	logger := klog.FromContext(ctx)

	cfg := config.NewConfig()
	fs := flag.NewFlagSet("batch-gateway-processor", flag.ExitOnError)
	cfgFilePath := fs.String("config", "cmd/batch-processor/config.yaml", "Path to configuration file")
	klog.InitFlags(fs)
	fs.Parse(os.Args[1:])

	if err := cfg.LoadFromYAML(*cfgFilePath); err != nil {
		logger.V(logging.ERROR).Error(err, "Failed to load config file. Processor cannot start", "path", *cfgFilePath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.V(logging.ERROR).Error(err, "Invalid configuration")
		os.Exit(1)
	}

	if err := dispatcher.InitMetrics(); err != nil {
		logger.V(logging.ERROR).Error(err, "Failed to initialize metrics")
		os.Exit(1)
	}

	ctx, cancel := interrupt.ContextWithSignal(ctx)
	defer cancel()

	go runObservabilityServer(ctx, cfg, logger)

	db, err := storepg.Open(cfg.PostgresDSN)
	if err != nil {
		logger.V(logging.ERROR).Error(err, "Failed to connect to postgres")
		os.Exit(1)
	}
	if err := storepg.Migrate(db); err != nil {
		logger.V(logging.ERROR).Error(err, "Failed to run migrations")
		os.Exit(1)
	}

	realClock := clock.Real{}
	st := storepg.New(db, realClock)
	queue := jobqueuepg.New(db, realClock)
	files := filestore.New(cfg.BaseDir)
	capControl := capacity.New(st, realClock)
	provider := providerclient.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, nil)

	router := &publisher.Router{
		Webhook: publisher.NewWebhookPublisher(cfg.WebhookConnectTimeout, cfg.WebhookReadTimeout),
	}
	if cfg.AMQPURL != "" {
		router.AMQP = publisher.NewAMQPPublisher(cfg.AMQPURL)
	}

	actions := workflow.New(st, files, provider, router, queue, capControl, realClock, logger)
	builder := batchbuilder.New(st, files, queue)

	bus := eventing.NewBus()
	outbox := storepg.NewOutbox(st)
	pump := eventing.NewPump(outbox, bus, logger)
	go pump.Run(ctx, cfg.OutboxPumpEvery)

	if cfg.SettingsFile != "" {
		watcher := settings.NewWatcher(cfg.SettingsFile, st.Settings(), logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.V(logging.ERROR).Error(err, "Settings file watcher exited")
			}
		}()
	}

	logger.V(logging.INFO).Info("Running startup recovery scan")
	recoverer := recovery.New(st, queue)
	if err := recoverer.Run(ctx); err != nil {
		logger.V(logging.ERROR).Error(err, "Startup recovery scan failed")
	}

	owner := jobqueuepg.NewOwnerID(hostname)
	d := dispatcher.New(queue, owner, dispatcher.Config{
		Concurrency: map[model.JobKind]int{
			model.JobUpload:              cfg.Concurrency.Upload,
			model.JobCreateProviderBatch: cfg.Concurrency.CreateProviderBatch,
			model.JobPollBatchStatus:     cfg.Concurrency.PollBatchStatus,
			model.JobDownloadAndParse:    cfg.Concurrency.DownloadAndParse,
			model.JobDeliver:             cfg.Concurrency.Deliver,
		},
		DefaultConcurrency: cfg.Concurrency.Default,
		LeaseTTL:           cfg.LeaseTTL,
		HeartbeatEvery:     cfg.HeartbeatEvery,
		PollInterval:       cfg.PollInterval,
		ReclaimInterval:    cfg.ReclaimInterval,
	}, logger)
	dispatcher.RegisterActions(d, actions, builder)

	logger.V(logging.INFO).Info("Dispatcher starting", "owner", owner)
	d.Run(ctx)

	logger.V(logging.INFO).Info("Processor exited gracefully")
}

func runObservabilityServer(ctx context.Context, cfg *config.Config, logger klog.Logger) {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.Addr, Handler: m}

	if cfg.SSLEnabled() {
		tlsConfig, err := tls.GetTlsConfig(tls.LOAD_TYPE_SERVER, false, cfg.SSLCertFile, cfg.SSLKeyFile, "")
		if err != nil {
			logger.V(logging.ERROR).Error(err, "Failed to configure TLS for observability server")
			return
		}
		server.TLSConfig = tlsConfig
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.V(logging.ERROR).Error(err, "Observability server shutdown failed")
		}
	}()

	logger.V(logging.INFO).Info("Start observability server", "addr", cfg.Addr, "tls", cfg.SSLEnabled())
	var err error
	if cfg.SSLEnabled() {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.V(logging.ERROR).Error(err, "Observability server failed")
	}
}
