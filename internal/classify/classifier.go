// Package classify maintains the tri-state labelling of unfollower
// candidates: still pending review, tagged as acceptable, or tagged as
// to-be-unfollowed.
package classify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gramkeep/gramkeep/internal/contact"
)

// ListName identifies one of the three disjoint classification lists.
type ListName string

const (
	ListUnfollowers       ListName = "unfollowers"
	ListNormalUnfollowers ListName = "normalUnfollowers"
	ListDoNotFollow       ListName = "doNotFollowList"
)

const (
	errMessageMissingStore   = "classifier requires a snapshot store"
	errMessageUnknownList    = "unknown classification list"
	errMessageDeleteContact  = "delete tagged contact"
	errMessagePersistLists   = "persist classification lists"
	logMessageUsernameTagged = "username transferred between classification lists"
	logFieldUsername         = "username"
	logFieldDestination      = "destination"
)

// SnapshotStore is the subset of the contact store the classifier needs: the
// current snapshot, merge persistence for it, and deletion of a contact by
// username.
type SnapshotStore interface {
	Snapshot() contact.Snapshot
	SaveSnapshot(ctx context.Context, snapshot contact.Snapshot) error
	DeleteByUsername(ctx context.Context, username string) error
}

// Transfer moves a username into the destination list, removing it from every
// source list first and guarding against duplicate insertion. The three lists
// stay pairwise disjoint under any sequence of transfers.
func Transfer(snapshot contact.Snapshot, username string, destination ListName) (contact.Snapshot, error) {
	normalized := contact.NormalizeUsername(username)
	snapshot.Unfollowers = removeUsername(snapshot.Unfollowers, normalized)
	snapshot.NormalUnfollowers = removeUsername(snapshot.NormalUnfollowers, normalized)
	snapshot.DoNotFollowList = removeUsername(snapshot.DoNotFollowList, normalized)

	switch destination {
	case ListUnfollowers:
		snapshot.Unfollowers = appendUsername(snapshot.Unfollowers, username)
	case ListNormalUnfollowers:
		snapshot.NormalUnfollowers = appendUsername(snapshot.NormalUnfollowers, username)
	case ListDoNotFollow:
		snapshot.DoNotFollowList = appendUsername(snapshot.DoNotFollowList, username)
	default:
		return snapshot, fmt.Errorf("%s: %s", errMessageUnknownList, destination)
	}
	return snapshot, nil
}

// Classifier applies list transfers against the contact store and persists
// the result.
type Classifier struct {
	store  SnapshotStore
	logger *zap.Logger
}

// Config configures a Classifier.
type Config struct {
	Store  SnapshotStore
	Logger *zap.Logger
}

// NewClassifier constructs a Classifier from configuration values.
func NewClassifier(configuration Config) (*Classifier, error) {
	if configuration.Store == nil {
		return nil, errors.New(errMessageMissingStore)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{store: configuration.Store, logger: logger}, nil
}

// Tag transfers the username into the destination list and persists the
// updated lists. Tagging a username as do-not-follow additionally deletes any
// contact with a matching username.
func (classifier *Classifier) Tag(ctx context.Context, username string, destination ListName) error {
	snapshot, transferErr := Transfer(classifier.store.Snapshot(), username, destination)
	if transferErr != nil {
		return transferErr
	}
	if destination == ListDoNotFollow {
		if deleteErr := classifier.store.DeleteByUsername(ctx, username); deleteErr != nil {
			return fmt.Errorf("%s: %w", errMessageDeleteContact, deleteErr)
		}
	}
	if saveErr := classifier.store.SaveSnapshot(ctx, snapshot); saveErr != nil {
		return fmt.Errorf("%s: %w", errMessagePersistLists, saveErr)
	}
	classifier.logger.Info(logMessageUsernameTagged,
		zap.String(logFieldUsername, username),
		zap.String(logFieldDestination, string(destination)))
	return nil
}

// Untag removes the username's classification and restores it to the
// unfollower list.
func (classifier *Classifier) Untag(ctx context.Context, username string) error {
	return classifier.Tag(ctx, username, ListUnfollowers)
}

func removeUsername(usernames []string, normalized string) []string {
	filtered := usernames[:0:len(usernames)]
	for _, candidate := range usernames {
		if contact.NormalizeUsername(candidate) != normalized {
			filtered = append(filtered, candidate)
		}
	}
	return filtered
}

func appendUsername(usernames []string, username string) []string {
	normalized := contact.NormalizeUsername(username)
	for _, candidate := range usernames {
		if contact.NormalizeUsername(candidate) == normalized {
			return usernames
		}
	}
	return append(usernames, username)
}
