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

// The worker process's configuration definitions: database DSN, the
// outbound ProviderClient and
// MessagePublisher endpoints, the on-disk upload-file base directory, and
// the JobQueue's per-kind concurrency and lease posture.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConcurrency caps how many jobs of one kind a single process leases
// and runs at once.
type QueueConcurrency struct {
	Upload              int `yaml:"upload"`
	CreateProviderBatch int `yaml:"create_provider_batch"`
	PollBatchStatus     int `yaml:"poll_batch_status"`
	DownloadAndParse    int `yaml:"download_and_parse"`
	Deliver             int `yaml:"deliver"`
	Default             int `yaml:"default"`
}

type Config struct {
	// PostgresDSN is the store/jobqueue connection string.
	PostgresDSN string `yaml:"postgres_dsn"`

	// BaseDir is BatchFileStore's per-batch upload-file directory.
	BaseDir string `yaml:"base_dir"`

	// SettingsFile, if set, is hot-reloaded into the durable Settings row
	// by internal/settings.Watcher whenever an operator edits it.
	SettingsFile string `yaml:"settings_file"`

	// ProviderBaseURL and ProviderAPIKey address the outbound,
	// OpenAI-Batch-API-compatible provider.
	ProviderBaseURL string `yaml:"provider_base_url"`
	ProviderAPIKey  string `yaml:"provider_api_key"`

	// AMQPURL is optional: only requests whose delivery_config selects
	// rabbitmq ever dial it.
	AMQPURL string `yaml:"amqp_url"`

	WebhookConnectTimeout time.Duration `yaml:"webhook_connect_timeout"`
	WebhookReadTimeout    time.Duration `yaml:"webhook_read_timeout"`

	// LeaseTTL bounds how long a worker may hold a leased job before
	// ReclaimExpired resets it back to pending for another worker.
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	HeartbeatEvery  time.Duration `yaml:"heartbeat_every"`
	LeaseBatchSize  int           `yaml:"lease_batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	OutboxPumpEvery time.Duration `yaml:"outbox_pump_every"`

	Concurrency QueueConcurrency `yaml:"concurrency"`

	Addr        string `yaml:"addr"`
	SSLCertFile string `yaml:"ssl_cert_file"`
	SSLKeyFile  string `yaml:"ssl_key_file"`
}

func (c *Config) SSLEnabled() bool {
	return c.SSLCertFile != "" && c.SSLKeyFile != ""
}

// LoadFromYAML loads configuration from a YAML file, leaving any field
// the file omits at its NewConfig default.
func (c *Config) LoadFromYAML(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(c); err != nil {
		return err
	}
	return nil
}

// NewConfig returns a Config seeded with production defaults.
func NewConfig() *Config {
	return &Config{
		BaseDir:               "/var/lib/batch-gateway/files",
		WebhookConnectTimeout: 10 * time.Second,
		WebhookReadTimeout:    30 * time.Second,
		LeaseTTL:              2 * time.Minute,
		HeartbeatEvery:        30 * time.Second,
		LeaseBatchSize:        10,
		PollInterval:          2 * time.Second,
		ReclaimInterval:       30 * time.Second,
		OutboxPumpEvery:       1 * time.Second,
		Concurrency: QueueConcurrency{
			Upload:              4,
			CreateProviderBatch: 4,
			PollBatchStatus:     8,
			DownloadAndParse:    4,
			Deliver:             16,
			Default:             4,
		},
		Addr: ":9090",
	}
}

func (c *Config) Validate() error {
	if c.SSLEnabled() {
		if _, err := os.Stat(c.SSLCertFile); err != nil {
			return err
		}
		if _, err := os.Stat(c.SSLKeyFile); err != nil {
			return err
		}
	}
	return nil
}
