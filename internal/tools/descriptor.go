// Package tools holds the unified tool catalog and its dispatch path.
//
// Every tool the model can call lives behind one Descriptor shape, no
// matter where it came from: compiled-in Go functions, dynamically
// generated skill bundles, or remote tool servers. Dispatch runs each
// call through policy and audit before the invoker sees it.
package tools

import (
	"context"
	"fmt"
	"regexp"
)

// Origin says where a tool's implementation lives.
type Origin string

const (
	OriginBuiltin     Origin = "built-in"
	OriginDynamic     Origin = "dynamic"
	OriginRemoteStdio Origin = "remote-stdio"
	OriginRemoteHTTP  Origin = "remote-http"
)

// MaxDescriptionLen bounds a descriptor's description.
const MaxDescriptionLen = 1024

// TagSkillManagement marks tools that mutate the skill catalog. Plain
// chat turns run without them.
const TagSkillManagement = "skill-management"

// NamePattern is the only accepted tool-name shape.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Invoker executes one tool call. The returned value is marshaled to
// JSON and fed back to the model; an error becomes an {error} outcome.
type Invoker func(ctx context.Context, args map[string]any) (any, error)

// Descriptor is one catalog entry.
type Descriptor struct {
	Name        string
	Description string
	Parameters  Schema
	Origin      Origin
	Tags        []string
	Enabled     bool
	Invoke      Invoker
}

// Validate rejects descriptors the registry must never hold.
func (d *Descriptor) Validate() error {
	if !NamePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid tool name %q", d.Name)
	}
	if len(d.Description) > MaxDescriptionLen {
		return fmt.Errorf("tool %s: description exceeds %d chars", d.Name, MaxDescriptionLen)
	}
	if d.Invoke == nil {
		return fmt.Errorf("tool %s: no invoker", d.Name)
	}
	return nil
}

// HasTag reports whether the descriptor carries the given tag.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
