package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gramkeep/gramkeep/internal/contact"
	"github.com/gramkeep/gramkeep/internal/export"
)

const (
	errMessageMissingStore       = "pipeline requires a contact store"
	errMessageMissingGate        = "deletions pending but no confirmation gate configured"
	errMessageConfirmDeletions   = "confirm deletions"
	errMessageDeleteContacts     = "delete contacts"
	errMessageFlushContacts      = "flush created contacts"
	errMessagePersistSnapshot    = "persist instagram snapshot"
	logMessageAnalysisDeclined   = "analysis declined at confirmation gate"
	logMessageAnalysisCommitted  = "analysis committed"
	logFieldCreated              = "created"
	logFieldDeleted              = "deleted"
	logFieldUnfollowers          = "unfollowers"
	logFieldPendingDeletionCount = "pending_deletions"
)

// ErrAnalysisDeclined reports that the user refused the deletion prompt. The
// operation aborts with zero side effects.
var ErrAnalysisDeclined = errors.New("analysis declined by user")

// ConfirmationGate is the synchronous user checkpoint consulted before any
// destructive mutation. Implementations receive the exact usernames that
// would be deleted.
type ConfirmationGate interface {
	ConfirmDeletions(ctx context.Context, usernames []string) (bool, error)
}

// ContactStore is the subset of the store the commit sequence mutates.
type ContactStore interface {
	Contacts() []contact.Contact
	Snapshot() contact.Snapshot
	Add(ctx context.Context, record contact.Contact) error
	DeleteMultiple(ctx context.Context, contactIDs []string) error
	ForceSave(ctx context.Context) error
	SaveSnapshot(ctx context.Context, snapshot contact.Snapshot) error
}

// Summary reports the outcome of a committed analysis.
type Summary struct {
	Created          int      `json:"created"`
	Deleted          int      `json:"deleted"`
	Unfollowers      int      `json:"unfollowers"`
	Fans             int      `json:"fans"`
	PendingRequests  int      `json:"pendingRequests"`
	TotalFollowers   int      `json:"totalFollowers"`
	TotalFollowing   int      `json:"totalFollowing"`
	DeletedUsernames []string `json:"deletedUsernames"`
}

// Config configures a Pipeline.
type Config struct {
	Store  ContactStore
	Gate   ConfirmationGate
	Logger *zap.Logger
	Now    func() time.Time
}

// Pipeline runs the full analysis: reconcile, gate, then the strict commit
// sequence of batch delete, contact creation, and snapshot persistence.
type Pipeline struct {
	store  ContactStore
	gate   ConfirmationGate
	logger *zap.Logger
	now    func() time.Time
}

// NewPipeline constructs a Pipeline from configuration values.
func NewPipeline(configuration Config) (*Pipeline, error) {
	if configuration.Store == nil {
		return nil, errors.New(errMessageMissingStore)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := configuration.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		store:  configuration.Store,
		gate:   configuration.Gate,
		logger: logger,
		now:    now,
	}, nil
}

// Preview reconciles the export against current state without mutating
// anything.
func (pipeline *Pipeline) Preview(decoded export.Export) Analysis {
	snapshot := pipeline.store.Snapshot()
	return Reconcile(Input{
		Followers:         decoded.Followers,
		Following:         decoded.Following,
		PendingRequests:   decoded.PendingRequests,
		Contacts:          pipeline.store.Contacts(),
		NormalUnfollowers: snapshot.NormalUnfollowers,
		DoNotFollowList:   snapshot.DoNotFollowList,
	})
}

// Run reconciles the export and, once past the confirmation gate, commits the
// result. Declining the gate aborts with ErrAnalysisDeclined and zero side
// effects; past the gate the sequence runs to completion in strict order with
// no mid-sequence cancellation.
func (pipeline *Pipeline) Run(ctx context.Context, decoded export.Export) (Summary, error) {
	analysis := pipeline.Preview(decoded)

	if len(analysis.ContactsToDelete) > 0 {
		if pipeline.gate == nil {
			return Summary{}, errors.New(errMessageMissingGate)
		}
		confirmed, gateErr := pipeline.gate.ConfirmDeletions(ctx, analysis.DeletedUsernames())
		if gateErr != nil {
			return Summary{}, fmt.Errorf("%s: %w", errMessageConfirmDeletions, gateErr)
		}
		if !confirmed {
			pipeline.logger.Info(logMessageAnalysisDeclined,
				zap.Int(logFieldPendingDeletionCount, len(analysis.ContactsToDelete)))
			return Summary{}, ErrAnalysisDeclined
		}
	}

	return pipeline.commit(ctx, analysis)
}

func (pipeline *Pipeline) commit(ctx context.Context, analysis Analysis) (Summary, error) {
	if len(analysis.ContactsToDelete) > 0 {
		contactIDs := make([]string, 0, len(analysis.ContactsToDelete))
		for _, candidate := range analysis.ContactsToDelete {
			contactIDs = append(contactIDs, candidate.ID)
		}
		if deleteErr := pipeline.store.DeleteMultiple(ctx, contactIDs); deleteErr != nil {
			return Summary{}, fmt.Errorf("%s: %w", errMessageDeleteContacts, deleteErr)
		}
	}

	existing := map[string]bool{}
	for _, record := range pipeline.store.Contacts() {
		if normalized := record.NormalizedInstagram(); normalized != "" {
			existing[normalized] = true
		}
	}

	created := 0
	for _, username := range analysis.MutualFollowers {
		normalized := contact.NormalizeUsername(username)
		if existing[normalized] {
			continue
		}
		if addErr := pipeline.store.Add(ctx, contact.NewContact(username, pipeline.now())); addErr != nil {
			return Summary{}, addErr
		}
		existing[normalized] = true
		created++
	}
	if flushErr := pipeline.store.ForceSave(ctx); flushErr != nil {
		return Summary{}, fmt.Errorf("%s: %w", errMessageFlushContacts, flushErr)
	}

	previous := pipeline.store.Snapshot()
	snapshot := contact.Snapshot{
		Following:         analysis.Following,
		Followers:         analysis.Followers,
		Unfollowers:       analysis.Unfollowers,
		PendingRequests:   analysis.PendingRequests,
		NormalUnfollowers: previous.NormalUnfollowers,
		DoNotFollowList:   previous.DoNotFollowList,
		LastUpdate:        pipeline.now().UTC().Format(time.RFC3339),
	}
	if snapshotErr := pipeline.store.SaveSnapshot(ctx, snapshot); snapshotErr != nil {
		return Summary{}, fmt.Errorf("%s: %w", errMessagePersistSnapshot, snapshotErr)
	}

	summary := Summary{
		Created:          created,
		Deleted:          len(analysis.ContactsToDelete),
		Unfollowers:      len(analysis.Unfollowers),
		Fans:             len(analysis.Fans),
		PendingRequests:  len(analysis.PendingRequests),
		TotalFollowers:   len(analysis.Followers),
		TotalFollowing:   len(analysis.Following),
		DeletedUsernames: analysis.DeletedUsernames(),
	}
	pipeline.logger.Info(logMessageAnalysisCommitted,
		zap.Int(logFieldCreated, summary.Created),
		zap.Int(logFieldDeleted, summary.Deleted),
		zap.Int(logFieldUnfollowers, summary.Unfollowers))
	return summary, nil
}
