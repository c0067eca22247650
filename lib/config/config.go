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

// Package config reads and validates the YAML configuration file of the
// work package service.
package config

import (
	"bytes"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/ghga-de/wps"
	"github.com/ghga-de/wps/lib/logutils"
)

// FileConfig is the on-disk configuration. Zero values are filled with
// defaults by CheckAndSetDefaults.
type FileConfig struct {
	// ServiceName identifies the service in logs and as the Kafka
	// consumer group id.
	ServiceName string `yaml:"service_name"`

	// Log configures level and output format.
	Log logutils.Config `yaml:"log"`

	// Host and Port are the REST listen address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ValidDays is the service ceiling for work package lifetimes.
	ValidDays int `yaml:"valid_days"`

	// SigningKey is the JWK used to sign work order tokens. It must
	// contain private material.
	SigningKey string `yaml:"signing_key"`
	// AuthKey is the public JWK used to verify inbound user bearers.
	AuthKey string `yaml:"auth_key"`

	Access   AccessConfig   `yaml:"access"`
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// AccessConfig points at the external access check service.
type AccessConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig is the document store connection.
type DatabaseConfig struct {
	URI         string            `yaml:"uri"`
	Name        string            `yaml:"name"`
	Collections CollectionsConfig `yaml:"collections"`
}

// CollectionsConfig overrides the default collection names.
type CollectionsConfig struct {
	Datasets      string `yaml:"datasets"`
	UploadBoxes   string `yaml:"upload_boxes"`
	WorkPackages  string `yaml:"work_packages"`
	AccessionMaps string `yaml:"accession_maps"`
}

// KafkaConfig is the event ingress connection.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	DatasetChangeTopic   string `yaml:"dataset_change_topic"`
	DatasetUpsertionType string `yaml:"dataset_upsertion_type"`
	DatasetDeletionType  string `yaml:"dataset_deletion_type"`
	UploadBoxTopic       string `yaml:"upload_box_topic"`
	AccessionMapTopic    string `yaml:"accession_map_topic"`

	DLQTopic  string `yaml:"dlq_topic"`
	EnableDLQ bool   `yaml:"enable_dlq"`
}

// ReadFile reads and validates the configuration file at the given path.
func ReadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML configuration document.
func Parse(data []byte) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("cannot parse configuration: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults validates the configuration.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.ServiceName == "" {
		fc.ServiceName = wps.ServiceName
	}
	if fc.Host == "" {
		fc.Host = "0.0.0.0"
	}
	if fc.Port == 0 {
		fc.Port = 8080
	}
	if fc.Port < 0 || fc.Port > 65535 {
		return trace.BadParameter("invalid port %d", fc.Port)
	}
	if fc.SigningKey == "" {
		return trace.BadParameter("missing signing_key")
	}
	if fc.AuthKey == "" {
		return trace.BadParameter("missing auth_key")
	}
	if fc.Access.URL == "" {
		return trace.BadParameter("missing access.url")
	}
	if fc.Database.URI == "" {
		return trace.BadParameter("missing database.uri")
	}
	if fc.Database.Name == "" {
		fc.Database.Name = wps.ServiceName
	}
	if len(fc.Kafka.Brokers) == 0 {
		return trace.BadParameter("missing kafka.brokers")
	}
	if fc.Kafka.DatasetChangeTopic == "" ||
		fc.Kafka.UploadBoxTopic == "" || fc.Kafka.AccessionMapTopic == "" {
		return trace.BadParameter("missing kafka topic configuration")
	}
	if fc.Kafka.DatasetUpsertionType == "" || fc.Kafka.DatasetDeletionType == "" {
		return trace.BadParameter("missing kafka dataset event types")
	}
	if fc.Kafka.EnableDLQ && fc.Kafka.DLQTopic == "" {
		return trace.BadParameter("missing kafka.dlq_topic")
	}
	return nil
}
