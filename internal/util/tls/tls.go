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

// TLS config construction shared by the apiserver and batch-processor
// servers.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

type LoadType int

const (
	LOAD_TYPE_SERVER LoadType = iota
	LOAD_TYPE_CLIENT
)

// GetTlsConfig builds a *tls.Config for either a server (cert+key pair) or
// a client (optional CA file, optional insecure skip-verify for local dev).
func GetTlsConfig(loadType LoadType, insecureSkipVerify bool, certFile, keyFile, caFile string) (*tls.Config, error) {
	switch loadType {
	case LOAD_TYPE_SERVER:
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load server keypair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	case LOAD_TYPE_CLIENT:
		cfg := &tls.Config{InsecureSkipVerify: insecureSkipVerify, MinVersion: tls.VersionTLS12}
		if caFile != "" {
			pem, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %s", caFile)
			}
			cfg.RootCAs = pool
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown tls load type %d", loadType)
	}
}
