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

// Package events implements the event ingress of the work package
// service. One consumer subscribes to the dataset change topic, the
// outbox topics for upload boxes and accession maps, and the service's
// retry topic. Unprocessable events are quarantined on the dead letter
// topic; retried events carry the original topic in a header and are
// dispatched as if received there.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/segmentio/kafka-go"

	"github.com/ghga-de/wps"
	"github.com/ghga-de/wps/lib/workpackage"
)

const (
	// TypeHeader carries the event type of a message.
	TypeHeader = "type"
	// OriginalTopicHeader carries the original topic of a retried or
	// dead-lettered message.
	OriginalTopicHeader = "original_topic"

	// OutboxUpserted and OutboxDeleted are the event types of outbox
	// topics. The message key is the resource id; the payload carries
	// the resource itself, or nothing for deletions.
	OutboxUpserted = "upserted"
	OutboxDeleted  = "deleted"
)

// Repository is the ingress-facing surface of the work package
// repository.
type Repository interface {
	RegisterDataset(ctx context.Context, dataset workpackage.Dataset) error
	DeleteDataset(ctx context.Context, datasetID string) error
	RegisterUploadBox(ctx context.Context, box workpackage.UploadBox) error
	DeleteUploadBox(ctx context.Context, boxID uuid.UUID) error
	RegisterAccessionMap(ctx context.Context, m workpackage.FileAccessionMap) error
	DeleteAccessionMap(ctx context.Context, accession string) error
}

// Config holds the consumer configuration.
type Config struct {
	// Brokers are the Kafka bootstrap addresses.
	Brokers []string
	// GroupID is the consumer group id, defaulting to the service name.
	GroupID string

	// DatasetChangeTopic carries dataset upsertions and deletions with
	// the configured event types.
	DatasetChangeTopic   string
	DatasetUpsertionType string
	DatasetDeletionType  string

	// UploadBoxTopic and AccessionMapTopic are outbox topics.
	UploadBoxTopic    string
	AccessionMapTopic string

	// DLQTopic receives unprocessable events when EnableDLQ is set.
	// Without a DLQ a failing event stops the consumer.
	DLQTopic  string
	EnableDLQ bool
	// RetryTopic re-injects quarantined events, defaulting to
	// retry-<group id>.
	RetryTopic string

	// Repository handles the translated events.
	Repository Repository
	// Logger is an optional logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Brokers) == 0 {
		return trace.BadParameter("missing parameter Brokers")
	}
	if c.DatasetChangeTopic == "" || c.UploadBoxTopic == "" || c.AccessionMapTopic == "" {
		return trace.BadParameter("missing event topic")
	}
	if c.DatasetUpsertionType == "" || c.DatasetDeletionType == "" {
		return trace.BadParameter("missing dataset event type")
	}
	if c.Repository == nil {
		return trace.BadParameter("missing parameter Repository")
	}
	if c.EnableDLQ && c.DLQTopic == "" {
		return trace.BadParameter("missing parameter DLQTopic")
	}
	if c.GroupID == "" {
		c.GroupID = wps.ServiceName
	}
	if c.RetryTopic == "" {
		c.RetryTopic = "retry-" + c.GroupID
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With(wps.ComponentKey, wps.ComponentEvents)
	return nil
}

// fetcher is the consuming side of a Kafka reader.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// publisher is the producing side used for the dead letter topic.
type publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Subscriber consumes and dispatches events.
type Subscriber struct {
	cfg    Config
	reader fetcher
	dlq    publisher
	log    *slog.Logger
}

// NewSubscriber creates a Subscriber connected to the configured
// brokers.
func NewSubscriber(cfg Config) (*Subscriber, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		GroupTopics: []string{
			cfg.DatasetChangeTopic,
			cfg.UploadBoxTopic,
			cfg.AccessionMapTopic,
			cfg.RetryTopic,
		},
	})
	var dlq publisher
	if cfg.EnableDLQ {
		dlq = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.DLQTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}
	return &Subscriber{cfg: cfg, reader: reader, dlq: dlq, log: cfg.Logger}, nil
}

// Close closes the underlying reader.
func (s *Subscriber) Close() error {
	return trace.Wrap(s.reader.Close())
}

// Run consumes events until the context is canceled or, without a
// configured DLQ, until an event fails.
func (s *Subscriber) Run(ctx context.Context) error {
	return s.RunN(ctx, 0)
}

// RunN consumes up to maxEvents events; zero means unbounded.
func (s *Subscriber) RunN(ctx context.Context, maxEvents int) error {
	for consumed := 0; maxEvents <= 0 || consumed < maxEvents; consumed++ {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err)
		}
		if err := s.dispatch(ctx, msg); err != nil {
			if !s.cfg.EnableDLQ {
				return trace.Wrap(err)
			}
			if err := s.quarantine(ctx, msg, err); err != nil {
				return trace.Wrap(err)
			}
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// dispatch routes one message to the matching translator. Messages from
// the retry topic are dispatched as if received on their original topic.
func (s *Subscriber) dispatch(ctx context.Context, msg kafka.Message) error {
	topic := msg.Topic
	if topic == s.cfg.RetryTopic {
		topic = header(msg, OriginalTopicHeader)
		if topic == "" {
			return trace.BadParameter("retried event without an original topic")
		}
	}
	eventType := header(msg, TypeHeader)
	key := string(msg.Key)

	switch topic {
	case s.cfg.DatasetChangeTopic:
		return trace.Wrap(s.handleDatasetChange(ctx, eventType, msg.Value))
	case s.cfg.UploadBoxTopic:
		return trace.Wrap(s.handleUploadBoxOutbox(ctx, eventType, key, msg.Value))
	case s.cfg.AccessionMapTopic:
		return trace.Wrap(s.handleAccessionMapOutbox(ctx, eventType, key, msg.Value))
	}
	s.log.WarnContext(ctx, "Ignoring event from unexpected topic", "topic", topic)
	return nil
}

// quarantine publishes the failed event onto the dead letter topic,
// preserving key, payload and headers and recording the original topic.
func (s *Subscriber) quarantine(ctx context.Context, msg kafka.Message, cause error) error {
	s.log.ErrorContext(ctx, "Event processing failed, publishing to DLQ",
		"topic", msg.Topic, "key", string(msg.Key), "error", cause)
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	for _, h := range msg.Headers {
		if h.Key == OriginalTopicHeader {
			continue
		}
		headers = append(headers, h)
	}
	headers = append(headers, kafka.Header{
		Key: OriginalTopicHeader, Value: []byte(msg.Topic),
	})
	return trace.Wrap(s.dlq.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}))
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// datasetOverviewPayload is the MetadataDatasetOverview event schema.
type datasetOverviewPayload struct {
	Accession   string  `json:"accession"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Stage       string  `json:"stage"`
	Files       []struct {
		Accession     string `json:"accession"`
		FileExtension string `json:"file_extension"`
	} `json:"files"`
}

// datasetIDPayload is the MetadataDatasetID event schema.
type datasetIDPayload struct {
	Accession string `json:"accession"`
}

func (s *Subscriber) handleDatasetChange(ctx context.Context, eventType string, payload []byte) error {
	switch eventType {
	case s.cfg.DatasetUpsertionType:
		var overview datasetOverviewPayload
		if err := json.Unmarshal(payload, &overview); err != nil {
			return trace.BadParameter("invalid dataset overview payload: %v", err)
		}
		stage, err := workpackage.ParseWorkPackageType(overview.Stage)
		if err != nil {
			// The stage does not correspond to a work type, e.g. a
			// dataset still in review. Not an error.
			s.log.InfoContext(ctx, "Ignoring dataset event with unknown stage",
				"accession", overview.Accession, "stage", overview.Stage)
			return nil
		}
		files := make([]workpackage.DatasetFile, 0, len(overview.Files))
		for _, file := range overview.Files {
			files = append(files, workpackage.DatasetFile{
				ID:        file.Accession,
				Extension: file.FileExtension,
			})
		}
		dataset := workpackage.Dataset{
			ID:          overview.Accession,
			Stage:       stage,
			Title:       overview.Title,
			Description: overview.Description,
			Files:       files,
		}
		return trace.Wrap(s.cfg.Repository.RegisterDataset(ctx, dataset))
	case s.cfg.DatasetDeletionType:
		var id datasetIDPayload
		if err := json.Unmarshal(payload, &id); err != nil {
			return trace.BadParameter("invalid dataset id payload: %v", err)
		}
		if id.Accession == "" {
			return trace.BadParameter("dataset id payload without accession")
		}
		return trace.Wrap(s.cfg.Repository.DeleteDataset(ctx, id.Accession))
	}
	s.log.DebugContext(ctx, "Ignoring dataset event of unexpected type", "type", eventType)
	return nil
}

// uploadBoxPayload is the outbox resource for upload boxes.
type uploadBoxPayload struct {
	ID              uuid.UUID `json:"id"`
	FileUploadBoxID uuid.UUID `json:"file_upload_box_id"`
	Title           string    `json:"title"`
	Description     *string   `json:"description"`
}

func (s *Subscriber) handleUploadBoxOutbox(ctx context.Context, eventType, key string, payload []byte) error {
	switch eventType {
	case OutboxUpserted:
		var box uploadBoxPayload
		if err := json.Unmarshal(payload, &box); err != nil {
			return trace.BadParameter("invalid upload box payload: %v", err)
		}
		return trace.Wrap(s.cfg.Repository.RegisterUploadBox(ctx, workpackage.UploadBox{
			ID:              box.ID,
			FileUploadBoxID: box.FileUploadBoxID,
			Title:           box.Title,
			Description:     box.Description,
		}))
	case OutboxDeleted:
		boxID, err := uuid.Parse(key)
		if err != nil {
			return trace.BadParameter("invalid upload box event key %q", key)
		}
		return trace.Wrap(s.cfg.Repository.DeleteUploadBox(ctx, boxID))
	}
	s.log.DebugContext(ctx, "Ignoring upload box event of unexpected type", "type", eventType)
	return nil
}

// accessionMapPayload is the outbox resource for accession maps.
type accessionMapPayload struct {
	Accession string    `json:"accession"`
	FileID    uuid.UUID `json:"file_id"`
}

func (s *Subscriber) handleAccessionMapOutbox(ctx context.Context, eventType, key string, payload []byte) error {
	switch eventType {
	case OutboxUpserted:
		var m accessionMapPayload
		if err := json.Unmarshal(payload, &m); err != nil {
			return trace.BadParameter("invalid accession map payload: %v", err)
		}
		return trace.Wrap(s.cfg.Repository.RegisterAccessionMap(ctx, workpackage.FileAccessionMap{
			Accession: m.Accession,
			FileID:    m.FileID,
		}))
	case OutboxDeleted:
		if key == "" {
			return trace.BadParameter("accession map event without a key")
		}
		return trace.Wrap(s.cfg.Repository.DeleteAccessionMap(ctx, key))
	}
	s.log.DebugContext(ctx, "Ignoring accession map event of unexpected type", "type", eventType)
	return nil
}
