// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the ModelGate service.
//
// ModelGate is an AI-model gateway that:
// - Screens requests against admission policies (budgets, content,
//   identity, model access, time windows)
// - Routes each request to the best provider/model under a configured
//   strategy, with automatic failover
// - Accounts per-call cost against user, team, and global budgets
// - Scans prompts for injection and data-exfiltration attempts and
//   assesses response quality
// - Broadcasts live request telemetry to subscribed dashboards
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	MODELGATE_CONFIG - path to the YAML configuration file
//	MODELGATE_PORT - HTTP server port (default: 8080)
//	MODELGATE_JWT_SECRET - HS256 secret for API authentication
//	MODELGATE_REDIS_URL - Redis URL for spend ledger and rate limits
//	MODELGATE_DATABASE_URL - PostgreSQL connection string for usage records
//	MODELGATE_ROUTING_STRATEGY - cost, quality, speed, or balanced
package main

import (
	"modelgate/platform/gateway"
)

func main() {
	gateway.Run()
}
