// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package tenant resolves projects and their integration settings. The
// registry is the single lookup point for API-key authentication, per-project
// rate budgets, retention windows, and conversion destinations.
package tenant

import (
	"crypto/subtle"
	"errors"

	"github.com/trackhouse/trackhouse/internal/config"
)

var ErrUnknownProject = errors.New("unknown project")

// Registry resolves project configuration. The backing set is fixed at
// construction; implementations must be safe for concurrent readers.
type Registry interface {
	// ByAPIKey resolves a project from an ingestion API key using
	// constant-time comparison.
	ByAPIKey(key string) (*config.ProjectConfig, error)
	// ByID resolves a project by its identifier.
	ByID(id string) (*config.ProjectConfig, error)
	// All returns every registered project, for scheduled per-project jobs.
	All() []*config.ProjectConfig
}

// ConfigRegistry is the config-file-backed Registry. Projects are loaded
// once at startup; a config change requires a restart.
type ConfigRegistry struct {
	byID     map[string]*config.ProjectConfig
	projects []*config.ProjectConfig
}

// NewConfigRegistry builds a registry from the projects section of the
// loaded configuration. Entries without an id or api_key are rejected.
func NewConfigRegistry(projects []config.ProjectConfig) (*ConfigRegistry, error) {
	r := &ConfigRegistry{
		byID: make(map[string]*config.ProjectConfig, len(projects)),
	}
	for i := range projects {
		p := &projects[i]
		if p.ID == "" {
			return nil, errors.New("project entry missing id")
		}
		if p.APIKey == "" {
			return nil, errors.New("project " + p.ID + " missing api_key")
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, errors.New("duplicate project id " + p.ID)
		}
		r.byID[p.ID] = p
		r.projects = append(r.projects, p)
	}
	return r, nil
}

// ByAPIKey scans every project and compares keys in constant time. The
// tenant count is small and config-bound, so the linear scan avoids keeping
// a key-indexed map that would leak timing on map lookup.
func (r *ConfigRegistry) ByAPIKey(key string) (*config.ProjectConfig, error) {
	if key == "" {
		return nil, ErrUnknownProject
	}
	var found *config.ProjectConfig
	for _, p := range r.projects {
		if subtle.ConstantTimeCompare([]byte(p.APIKey), []byte(key)) == 1 {
			found = p
		}
	}
	if found == nil {
		return nil, ErrUnknownProject
	}
	return found, nil
}

func (r *ConfigRegistry) ByID(id string) (*config.ProjectConfig, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownProject
	}
	return p, nil
}

func (r *ConfigRegistry) All() []*config.ProjectConfig {
	out := make([]*config.ProjectConfig, len(r.projects))
	copy(out, r.projects)
	return out
}
