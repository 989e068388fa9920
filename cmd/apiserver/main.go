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

// The entry point for the operator HTTP surface: cancel/redeliver/
// delete_expired over batches, and read/patch over the durable Settings
// record. The ingress API that turns client calls into enqueue_request is
// out of scope; this mux only serves the operator-facing actions.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/batch-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/batch-gateway/internal/apiserver/middleware"
	"github.com/llm-d-incubation/batch-gateway/internal/apiserver/operator"
	"github.com/llm-d-incubation/batch-gateway/internal/apiserver/settingsapi"
	"github.com/llm-d-incubation/batch-gateway/internal/capacity"
	"github.com/llm-d-incubation/batch-gateway/internal/clock"
	"github.com/llm-d-incubation/batch-gateway/internal/filestore"
	jobqueuepg "github.com/llm-d-incubation/batch-gateway/internal/jobqueue/postgres"
	"github.com/llm-d-incubation/batch-gateway/internal/providerclient"
	"github.com/llm-d-incubation/batch-gateway/internal/publisher"
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
	hostname, _ := os.Hostname()
	rootLogger = rootLogger.WithValues("hostname", hostname, "service", "batch-apiserver")
	ctx := klog.NewContext(context.Background(), rootLogger)
	logger := klog.FromContext(ctx)

	cfg := common.NewConfig()
	fs := flag.NewFlagSet("batch-gateway-apiserver", flag.ExitOnError)
	cfgFilePath := fs.String("config", "cmd/apiserver/config.yaml", "Path to configuration file")
	klog.InitFlags(fs)
	fs.Parse(os.Args[1:])

	if err := cfg.LoadFromYAML(*cfgFilePath); err != nil {
		logger.V(logging.ERROR).Error(err, "Failed to load config file", "path", *cfgFilePath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.V(logging.ERROR).Error(err, "Invalid configuration")
		os.Exit(1)
	}

	ctx, cancel := interrupt.ContextWithSignal(ctx)
	defer cancel()

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
	router := &publisher.Router{Webhook: publisher.NewWebhookPublisher(cfg.WebhookConnectTimeout, cfg.WebhookReadTimeout)}

	actions := workflow.New(st, files, provider, router, queue, capControl, realClock, logger)

	mux := http.NewServeMux()
	common.RegisterHandler(mux, operator.NewHandler(actions))
	common.RegisterHandler(mux, settingsapi.NewHandler(st.Settings()))

	var handler http.Handler = mux
	handler = middleware.RecoveryMiddleware(handler)
	handler = middleware.RequestIDMiddleware(handler)

	server := &http.Server{Addr: cfg.Addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.V(logging.INFO).Info("Operator API server starting", "addr", cfg.Addr, "tls", cfg.SSLEnabled())
	if cfg.SSLEnabled() {
		tlsConfig, err := tls.GetTlsConfig(tls.LOAD_TYPE_SERVER, false, cfg.SSLCertFile, cfg.SSLKeyFile, "")
		if err != nil {
			logger.V(logging.ERROR).Error(err, "Failed to configure TLS")
			os.Exit(1)
		}
		server.TLSConfig = tlsConfig
		err = server.ListenAndServeTLS("", "")
		if err != nil && err != http.ErrServerClosed {
			logger.V(logging.ERROR).Error(err, "Operator API server failed")
		}
		return
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.V(logging.ERROR).Error(err, "Operator API server failed")
	}
}
