// Package store owns the in-memory contact collection and keeps it
// synchronized with a local durable cache and a remote document collection
// with realtime push updates.
package store

import (
	"context"
	"time"

	"github.com/gramkeep/gramkeep/internal/contact"
)

// Metadata is the per-user schema document: field definitions, the custom tag
// vocabulary, and the Instagram snapshot. It is persisted as a single remote
// document whose top-level keys are always merged, never overwritten
// wholesale.
type Metadata struct {
	DefaultFields []contact.FieldDefinition `json:"defaultFields"`
	CustomFields  []contact.FieldDefinition `json:"customFields"`
	CustomTags    []contact.Tag             `json:"customTags"`
	Instagram     contact.Snapshot          `json:"instagram"`
}

// Top-level metadata document keys used for merge updates.
const (
	metadataKeyDefaultFields = "defaultFields"
	metadataKeyCustomFields  = "customFields"
	metadataKeyCustomTags    = "customTags"
	metadataKeySnapshot      = "instagram"
)

// CachedState is the per-user document persisted in the local durable cache.
type CachedState struct {
	Contacts []contact.Contact `json:"contacts"`
	Metadata Metadata          `json:"metadata"`
	LastSync time.Time         `json:"lastSync"`
}

// Cache is the local durable cache collaborator. Load reports absence with a
// false second return; implementations treat deserialization failure as a
// cache miss.
type Cache interface {
	Load(ctx context.Context, userID string) (CachedState, bool, error)
	Save(ctx context.Context, userID string, state CachedState) error
}

// Batch groups the pending contact documents and metadata keys flushed in one
// atomic multi-document write.
type Batch struct {
	Contacts []contact.Contact
	Metadata map[string]any
}

// ContactsPush is one realtime notification: a full snapshot of the contact
// sub-collection tagged with a monotonic sequence number so stale pushes can
// be discarded.
type ContactsPush struct {
	Sequence uint64
	Contacts []contact.Contact
}

// Subscription is a live watch on the contact sub-collection.
type Subscription interface {
	Updates() <-chan ContactsPush
	Errors() <-chan error
	Close() error
}

// Remote is the remote document store collaborator. All metadata writes use
// merge semantics on the top-level user document.
type Remote interface {
	FetchMetadata(ctx context.Context, userID string) (Metadata, bool, error)
	CommitBatch(ctx context.Context, userID string, batch Batch) error
	DeleteContact(ctx context.Context, userID string, contactID string) error
	DeleteContacts(ctx context.Context, userID string, contactIDs []string) error
	Watch(ctx context.Context, userID string) (Subscription, error)
}
