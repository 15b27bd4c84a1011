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

/*
Package logger provides structured JSON logging for ModelGate components.

# Overview

The logger outputs one JSON object per line to stdout, making logs easily
consumable by CloudWatch, ELK, or any other log aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, dispatcher, telemetry, etc.)
  - Instance ID and host (for distributed tracing)
  - Principal (the calling user, for per-tenant filtering)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with principal and request context:

	log.Info("user-123", "req-456", "request admitted", map[string]interface{}{
	    "provider": "anthropic",
	    "model":    "claude-3-sonnet",
	})

Log errors with status codes:

	log.ErrorWithCode("user-123", "req-456", "dispatch failed", 502, err, map[string]interface{}{
	    "provider": "openai",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("user-123", "req-456", "request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","host":"gw-xyz",
	 "principal":"user-123","request_id":"req-456",
	 "message":"request admitted","fields":{"provider":"anthropic"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Host name (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
