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

// Package wps holds constants shared across the work package service.
package wps

const (
	// ServiceName is the short name of the work package service. It is used
	// as the Kafka consumer group id and as the stem of the retry topic.
	ServiceName = "wps"

	// Version is the semantic version of the service.
	Version = "3.0.0"

	// ComponentKey is the name of the log attribute that identifies the
	// component that emitted a log line.
	ComponentKey = "component"

	// ComponentWeb is a web API component tag.
	ComponentWeb = "wps:web"

	// ComponentEvents is an event ingress component tag.
	ComponentEvents = "wps:events"

	// ComponentRepository is a work package repository component tag.
	ComponentRepository = "wps:repository"

	// ComponentStorage is a document store component tag.
	ComponentStorage = "wps:storage"

	// ComponentAccess is an access-check client component tag.
	ComponentAccess = "wps:access"
)
