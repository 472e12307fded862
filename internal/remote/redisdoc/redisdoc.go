// Package redisdoc implements the store's remote document collaborator on
// Redis: a per-user metadata hash with field-level merge updates, a contact
// sub-collection hash, and a pub/sub driven watch that yields a full snapshot
// of the sub-collection on every change.
package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gramkeep/gramkeep/internal/contact"
	"github.com/gramkeep/gramkeep/internal/store"
)

const (
	keyPrefix          = "gramkeep:user:"
	keySuffixMetadata  = ":meta"
	keySuffixContacts  = ":contacts"
	keySuffixSequence  = ":seq"
	keySuffixEvents    = ":events"
	connectTimeout     = 5 * time.Second
	updatesChannelSize = 4

	errMessageParseURL       = "parse redis url"
	errMessagePingRedis      = "connect to redis"
	errMessageMissingClient  = "document store requires a redis client"
	errMessageEncodeDocument = "encode document"
	errMessageDecodeDocument = "decode document"
	logMessageSnapshotFetch  = "contact snapshot fetch after change event failed"
	logFieldUserID           = "user_id"
)

// Config configures a DocumentStore.
type Config struct {
	RedisURL string
	Client   *redis.Client
	Logger   *zap.Logger
}

// DocumentStore implements store.Remote on Redis.
type DocumentStore struct {
	client *redis.Client
	logger *zap.Logger
}

var _ store.Remote = (*DocumentStore)(nil)

// New constructs a DocumentStore, dialing the configured URL unless a client
// is supplied, and verifies connectivity.
func New(ctx context.Context, configuration Config) (*DocumentStore, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := configuration.Client
	if client == nil {
		if configuration.RedisURL == "" {
			return nil, errors.New(errMessageMissingClient)
		}
		options, parseErr := redis.ParseURL(configuration.RedisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("%s: %w", errMessageParseURL, parseErr)
		}
		client = redis.NewClient(options)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessagePingRedis, pingErr)
	}

	return &DocumentStore{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (documentStore *DocumentStore) Close() error {
	return documentStore.client.Close()
}

// FetchMetadata reads the user's metadata document. The second return value
// is false when no document exists yet.
func (documentStore *DocumentStore) FetchMetadata(ctx context.Context, userID string) (store.Metadata, bool, error) {
	fields, readErr := documentStore.client.HGetAll(ctx, metadataKey(userID)).Result()
	if readErr != nil {
		return store.Metadata{}, false, readErr
	}
	if len(fields) == 0 {
		return store.Metadata{}, false, nil
	}

	var metadata store.Metadata
	for fieldName, payload := range fields {
		var decodeErr error
		switch fieldName {
		case "defaultFields":
			decodeErr = json.Unmarshal([]byte(payload), &metadata.DefaultFields)
		case "customFields":
			decodeErr = json.Unmarshal([]byte(payload), &metadata.CustomFields)
		case "customTags":
			decodeErr = json.Unmarshal([]byte(payload), &metadata.CustomTags)
		case "instagram":
			decodeErr = json.Unmarshal([]byte(payload), &metadata.Instagram)
		}
		if decodeErr != nil {
			return store.Metadata{}, false, fmt.Errorf("%s %s: %w", errMessageDecodeDocument, fieldName, decodeErr)
		}
	}
	return metadata, true, nil
}

// CommitBatch writes the pending contact documents and metadata keys in one
// transactional pipeline. Metadata keys merge at hash-field granularity;
// untouched fields on the user document survive. Every commit bumps the
// change sequence and publishes a change event.
func (documentStore *DocumentStore) CommitBatch(ctx context.Context, userID string, batch store.Batch) error {
	if len(batch.Contacts) == 0 && len(batch.Metadata) == 0 {
		return nil
	}

	contactValues := map[string]any{}
	for _, record := range batch.Contacts {
		payload, encodeErr := json.Marshal(record)
		if encodeErr != nil {
			return fmt.Errorf("%s: %w", errMessageEncodeDocument, encodeErr)
		}
		contactValues[record.ID] = string(payload)
	}
	metadataValues := map[string]any{}
	for fieldName, value := range batch.Metadata {
		payload, encodeErr := json.Marshal(value)
		if encodeErr != nil {
			return fmt.Errorf("%s: %w", errMessageEncodeDocument, encodeErr)
		}
		metadataValues[fieldName] = string(payload)
	}

	pipeline := documentStore.client.TxPipeline()
	if len(contactValues) > 0 {
		pipeline.HSet(ctx, contactsKey(userID), contactValues)
	}
	if len(metadataValues) > 0 {
		pipeline.HSet(ctx, metadataKey(userID), metadataValues)
	}
	sequence := pipeline.Incr(ctx, sequenceKey(userID))
	if _, execErr := pipeline.Exec(ctx); execErr != nil {
		return execErr
	}
	return documentStore.publishChange(ctx, userID, uint64(sequence.Val()))
}

// DeleteContact removes one contact document and announces the change.
func (documentStore *DocumentStore) DeleteContact(ctx context.Context, userID string, contactID string) error {
	return documentStore.DeleteContacts(ctx, userID, []string{contactID})
}

// DeleteContacts removes the given contact documents in one batch and
// announces the change.
func (documentStore *DocumentStore) DeleteContacts(ctx context.Context, userID string, contactIDs []string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	pipeline := documentStore.client.TxPipeline()
	pipeline.HDel(ctx, contactsKey(userID), contactIDs...)
	sequence := pipeline.Incr(ctx, sequenceKey(userID))
	if _, execErr := pipeline.Exec(ctx); execErr != nil {
		return execErr
	}
	return documentStore.publishChange(ctx, userID, uint64(sequence.Val()))
}

// Watch subscribes to the user's change channel. Every change event triggers
// a full fetch of the contact sub-collection, delivered with the sequence
// number carried by the event.
func (documentStore *DocumentStore) Watch(ctx context.Context, userID string) (store.Subscription, error) {
	pubsub := documentStore.client.Subscribe(ctx, eventsKey(userID))
	if _, receiveErr := pubsub.Receive(ctx); receiveErr != nil {
		_ = pubsub.Close()
		return nil, receiveErr
	}

	subscription := &redisSubscription{
		pubsub:  pubsub,
		updates: make(chan store.ContactsPush, updatesChannelSize),
		errors:  make(chan error, 1),
	}
	go documentStore.pumpEvents(userID, subscription)
	return subscription, nil
}

func (documentStore *DocumentStore) pumpEvents(userID string, subscription *redisSubscription) {
	defer close(subscription.updates)
	defer close(subscription.errors)

	for message := range subscription.pubsub.Channel() {
		sequence, _ := strconv.ParseUint(message.Payload, 10, 64)
		contacts, fetchErr := documentStore.fetchContacts(context.Background(), userID)
		if fetchErr != nil {
			documentStore.logger.Warn(logMessageSnapshotFetch,
				zap.String(logFieldUserID, userID),
				zap.Error(fetchErr))
			select {
			case subscription.errors <- fetchErr:
			default:
			}
			continue
		}
		subscription.updates <- store.ContactsPush{Sequence: sequence, Contacts: contacts}
	}
}

func (documentStore *DocumentStore) fetchContacts(ctx context.Context, userID string) ([]contact.Contact, error) {
	fields, readErr := documentStore.client.HGetAll(ctx, contactsKey(userID)).Result()
	if readErr != nil {
		return nil, readErr
	}
	contacts := make([]contact.Contact, 0, len(fields))
	for _, payload := range fields {
		var record contact.Contact
		if decodeErr := json.Unmarshal([]byte(payload), &record); decodeErr != nil {
			return nil, fmt.Errorf("%s: %w", errMessageDecodeDocument, decodeErr)
		}
		contacts = append(contacts, record)
	}
	return contacts, nil
}

func (documentStore *DocumentStore) publishChange(ctx context.Context, userID string, sequence uint64) error {
	return documentStore.client.Publish(ctx, eventsKey(userID), strconv.FormatUint(sequence, 10)).Err()
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	updates chan store.ContactsPush
	errors  chan error
}

func (subscription *redisSubscription) Updates() <-chan store.ContactsPush {
	return subscription.updates
}

func (subscription *redisSubscription) Errors() <-chan error {
	return subscription.errors
}

func (subscription *redisSubscription) Close() error {
	return subscription.pubsub.Close()
}

func metadataKey(userID string) string { return keyPrefix + userID + keySuffixMetadata }
func contactsKey(userID string) string { return keyPrefix + userID + keySuffixContacts }
func sequenceKey(userID string) string { return keyPrefix + userID + keySuffixSequence }
func eventsKey(userID string) string   { return keyPrefix + userID + keySuffixEvents }
