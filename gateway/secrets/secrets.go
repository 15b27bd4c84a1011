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

// Package secrets resolves provider credentials. Production deployments
// use AWS Secrets Manager; local deployments use the in-memory or
// environment-variable resolvers.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Resolver returns the credential map stored under a secret reference.
type Resolver interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// secretsAPI is the subset of the Secrets Manager client used here.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSResolver fetches secrets from AWS Secrets Manager with a short
// in-process cache.
type AWSResolver struct {
	client secretsAPI
	cache  map[string]*cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSResolverOptions holds options for creating an AWSResolver.
type AWSResolverOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
}

// NewAWSResolver creates a resolver backed by AWS Secrets Manager.
func NewAWSResolver(ctx context.Context, opts AWSResolverOptions) (*AWSResolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}

	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSResolver{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetSecret retrieves a secret value. JSON object secrets are returned
// as-is; a bare string secret is returned under the "value" key.
func (r *AWSResolver) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	r.mu.RLock()
	entry, exists := r.cache[ref]
	r.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	r.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskRef(ref))

	result, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskRef(ref), err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskRef(ref))
	}
	secretValue := *result.SecretString

	var credentials map[string]string
	if err := json.Unmarshal([]byte(secretValue), &credentials); err != nil {
		// Plain API-key secrets are not JSON objects.
		credentials = map[string]string{"value": secretValue}
	}

	r.mu.Lock()
	r.cache[ref] = &cacheEntry{
		value:     credentials,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()

	return credentials, nil
}

// Invalidate removes a secret from the cache.
func (r *AWSResolver) Invalidate(ref string) {
	r.mu.Lock()
	delete(r.cache, ref)
	r.mu.Unlock()
}

// InvalidateAll clears the cache.
func (r *AWSResolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]*cacheEntry)
	r.mu.Unlock()
}

// maskRef masks a secret reference for logging, keeping the last 8
// characters.
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// StaticResolver serves secrets from memory, for development and tests.
type StaticResolver struct {
	secrets map[string]map[string]string
	mu      sync.RWMutex
}

// NewStaticResolver creates an empty in-memory resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{secrets: make(map[string]map[string]string)}
}

// GetSecret looks up a stored secret.
func (r *StaticResolver) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if secret, exists := r.secrets[ref]; exists {
		return secret, nil
	}
	return nil, fmt.Errorf("secret %s not found", maskRef(ref))
}

// SetSecret stores a secret.
func (r *StaticResolver) SetSecret(ref string, value map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[ref] = value
}

// EnvResolver reads credentials from environment variables named
// <ref>_API_KEY, <ref>_USERNAME, and so on.
type EnvResolver struct{}

// NewEnvResolver creates an environment-variable resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

var envFields = map[string]string{
	"API_KEY":       "api_key",
	"API_SECRET":    "api_secret",
	"USERNAME":      "username",
	"PASSWORD":      "password",
	"TOKEN":         "token",
	"ACCESS_KEY":    "access_key",
	"SECRET_KEY":    "secret_key",
	"CLIENT_ID":     "client_id",
	"CLIENT_SECRET": "client_secret",
}

// GetSecret collects <ref>_<FIELD> environment variables into a
// credential map.
func (r *EnvResolver) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	credentials := make(map[string]string)
	for field, key := range envFields {
		if value := os.Getenv(ref + "_" + field); value != "" {
			credentials[key] = value
		}
	}

	if len(credentials) == 0 {
		return nil, fmt.Errorf("no credentials found for prefix %s", ref)
	}
	return credentials, nil
}
