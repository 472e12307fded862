package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gramkeep/gramkeep/internal/contact"
)

const (
	errMessageDuplicateFieldID = "field id already exists"
	errMessageFieldNotFound    = "field not found"
	errMessageDuplicateTag     = "custom tag already exists"
	errMessageSnapshotCommit   = "commit snapshot merge"
)

// ErrFieldNotFound reports an operation on an unknown field identifier.
var ErrFieldNotFound = errors.New(errMessageFieldNotFound)

// Metadata returns a copy of the current metadata document.
func (store *Store) Metadata() Metadata {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return copyMetadata(store.metadata)
}

// Snapshot returns the current Instagram snapshot.
func (store *Store) Snapshot() contact.Snapshot {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return copySnapshot(store.metadata.Instagram)
}

// AllFields returns the default and custom fields concatenated and sorted by
// Order ascending; ties keep insertion order.
func (store *Store) AllFields() []contact.FieldDefinition {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	fields := make([]contact.FieldDefinition, 0, len(store.metadata.DefaultFields)+len(store.metadata.CustomFields))
	fields = append(fields, store.metadata.DefaultFields...)
	fields = append(fields, store.metadata.CustomFields...)
	sort.SliceStable(fields, func(firstIndex, secondIndex int) bool {
		return fields[firstIndex].Order < fields[secondIndex].Order
	})
	return fields
}

// AddCustomField appends a user-defined field and schedules a debounced merge
// save. Field identifiers must be unique across the union of default and
// custom fields.
func (store *Store) AddCustomField(ctx context.Context, definition contact.FieldDefinition) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.fieldExistsLocked(definition.ID) {
		return fmt.Errorf("%s: %s", errMessageDuplicateFieldID, definition.ID)
	}
	definition.Custom = true
	store.metadata.CustomFields = append(store.metadata.CustomFields, definition)
	store.saveCacheLocked(ctx)
	store.markMetadataPendingLocked(metadataKeyCustomFields)
	store.scheduleFlushLocked()
	return nil
}

// RemoveCustomField deletes a user-defined field. Default fields are not
// deletable.
func (store *Store) RemoveCustomField(ctx context.Context, fieldID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index, definition := range store.metadata.CustomFields {
		if definition.ID != fieldID {
			continue
		}
		store.metadata.CustomFields = append(store.metadata.CustomFields[:index], store.metadata.CustomFields[index+1:]...)
		store.saveCacheLocked(ctx)
		store.markMetadataPendingLocked(metadataKeyCustomFields)
		store.scheduleFlushLocked()
		return nil
	}
	return ErrFieldNotFound
}

// SetFieldTags replaces the tag list of a select-typed field, default or
// custom, and schedules a debounced merge save.
func (store *Store) SetFieldTags(ctx context.Context, fieldID string, tags []contact.Tag) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index, definition := range store.metadata.DefaultFields {
		if definition.ID == fieldID {
			store.metadata.DefaultFields[index].Tags = tags
			store.saveCacheLocked(ctx)
			store.markMetadataPendingLocked(metadataKeyDefaultFields)
			store.scheduleFlushLocked()
			return nil
		}
	}
	for index, definition := range store.metadata.CustomFields {
		if definition.ID == fieldID {
			store.metadata.CustomFields[index].Tags = tags
			store.saveCacheLocked(ctx)
			store.markMetadataPendingLocked(metadataKeyCustomFields)
			store.scheduleFlushLocked()
			return nil
		}
	}
	return ErrFieldNotFound
}

// AddCustomTag appends a tag to the custom vocabulary and schedules a
// debounced merge save. Tag values are unique within the vocabulary.
func (store *Store) AddCustomTag(ctx context.Context, tag contact.Tag) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.metadata.CustomTags {
		if existing.Value == tag.Value {
			return fmt.Errorf("%s: %s", errMessageDuplicateTag, tag.Value)
		}
	}
	store.metadata.CustomTags = append(store.metadata.CustomTags, tag)
	store.saveCacheLocked(ctx)
	store.markMetadataPendingLocked(metadataKeyCustomTags)
	store.scheduleFlushLocked()
	return nil
}

// RemoveCustomTag deletes a tag from the custom vocabulary by value.
func (store *Store) RemoveCustomTag(ctx context.Context, tagValue string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index, existing := range store.metadata.CustomTags {
		if existing.Value != tagValue {
			continue
		}
		store.metadata.CustomTags = append(store.metadata.CustomTags[:index], store.metadata.CustomTags[index+1:]...)
		store.saveCacheLocked(ctx)
		store.markMetadataPendingLocked(metadataKeyCustomTags)
		store.scheduleFlushLocked()
		return nil
	}
	return nil
}

// SaveSnapshot replaces the Instagram snapshot and persists it immediately as
// a merge update of the snapshot key only, so unrelated top-level keys on the
// remote user document survive.
func (store *Store) SaveSnapshot(ctx context.Context, snapshot contact.Snapshot) error {
	store.mutex.Lock()
	store.metadata.Instagram = snapshot
	store.saveCacheLocked(ctx)
	userID := store.user.UID
	store.mutex.Unlock()

	batch := Batch{Metadata: map[string]any{metadataKeySnapshot: snapshot}}
	if commitErr := store.remote.CommitBatch(ctx, userID, batch); commitErr != nil {
		return fmt.Errorf("%s: %w", errMessageSnapshotCommit, commitErr)
	}
	return nil
}

// Stats summarizes the collection for the overview surfaces.
type Stats struct {
	TotalContacts   int `json:"totalContacts"`
	Favorites       int `json:"favorites"`
	NewContacts     int `json:"newContacts"`
	Complete        int `json:"complete"`
	Followers       int `json:"followers"`
	Following       int `json:"following"`
	Unfollowers     int `json:"unfollowers"`
	Fans            int `json:"fans"`
	PendingRequests int `json:"pendingRequests"`
}

// Stats derives the overview counters from current state.
func (store *Store) Stats() Stats {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	fields := make([]contact.FieldDefinition, 0, len(store.metadata.DefaultFields)+len(store.metadata.CustomFields))
	fields = append(fields, store.metadata.DefaultFields...)
	fields = append(fields, store.metadata.CustomFields...)

	stats := Stats{TotalContacts: len(store.contacts)}
	for _, record := range store.contacts {
		if record.IsFavorite {
			stats.Favorites++
		}
		if record.IsNew {
			stats.NewContacts++
		}
		if record.IsComplete(fields) {
			stats.Complete++
		}
	}

	snapshot := store.metadata.Instagram
	stats.Followers = len(snapshot.Followers)
	stats.Following = len(snapshot.Following)
	stats.Unfollowers = len(snapshot.Unfollowers)
	stats.PendingRequests = len(snapshot.PendingRequests)

	followingSet := make(map[string]bool, len(snapshot.Following))
	for _, username := range snapshot.Following {
		followingSet[contact.NormalizeUsername(username)] = true
	}
	for _, username := range snapshot.Followers {
		if !followingSet[contact.NormalizeUsername(username)] {
			stats.Fans++
		}
	}
	return stats
}

func (store *Store) fieldExistsLocked(fieldID string) bool {
	for _, definition := range store.metadata.DefaultFields {
		if definition.ID == fieldID {
			return true
		}
	}
	for _, definition := range store.metadata.CustomFields {
		if definition.ID == fieldID {
			return true
		}
	}
	return false
}

// metadataValueLocked resolves one top-level metadata key to its current
// value for a merge update.
func (store *Store) metadataValueLocked(metadataKey string) any {
	switch metadataKey {
	case metadataKeyDefaultFields:
		return append([]contact.FieldDefinition(nil), store.metadata.DefaultFields...)
	case metadataKeyCustomFields:
		return append([]contact.FieldDefinition(nil), store.metadata.CustomFields...)
	case metadataKeyCustomTags:
		return append([]contact.Tag(nil), store.metadata.CustomTags...)
	case metadataKeySnapshot:
		return copySnapshot(store.metadata.Instagram)
	default:
		return nil
	}
}

func copyMetadata(metadata Metadata) Metadata {
	return Metadata{
		DefaultFields: append([]contact.FieldDefinition(nil), metadata.DefaultFields...),
		CustomFields:  append([]contact.FieldDefinition(nil), metadata.CustomFields...),
		CustomTags:    append([]contact.Tag(nil), metadata.CustomTags...),
		Instagram:     copySnapshot(metadata.Instagram),
	}
}

func copySnapshot(snapshot contact.Snapshot) contact.Snapshot {
	return contact.Snapshot{
		Following:         append([]string(nil), snapshot.Following...),
		Followers:         append([]string(nil), snapshot.Followers...),
		Unfollowers:       append([]string(nil), snapshot.Unfollowers...),
		PendingRequests:   append([]string(nil), snapshot.PendingRequests...),
		NormalUnfollowers: append([]string(nil), snapshot.NormalUnfollowers...),
		DoNotFollowList:   append([]string(nil), snapshot.DoNotFollowList...),
		LastUpdate:        snapshot.LastUpdate,
	}
}
