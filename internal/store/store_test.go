package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gramkeep/gramkeep/internal/contact"
	"github.com/gramkeep/gramkeep/internal/store"
)

const (
	testUserID           = "user-1"
	shortDebounce        = 100 * time.Millisecond
	conditionWaitTimeout = 2 * time.Second
	conditionPollPause   = 5 * time.Millisecond
)

type cacheStub struct {
	mutex     sync.Mutex
	state     store.CachedState
	found     bool
	loadErr   error
	saveCount int
}

func (stub *cacheStub) Load(_ context.Context, _ string) (store.CachedState, bool, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.state, stub.found, stub.loadErr
}

func (stub *cacheStub) Save(_ context.Context, _ string, state store.CachedState) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.state = state
	stub.found = true
	stub.saveCount++
	return nil
}

func (stub *cacheStub) savedState() store.CachedState {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.state
}

type subscriptionStub struct {
	updates   chan store.ContactsPush
	errs      chan error
	closeOnce sync.Once
}

func newSubscriptionStub() *subscriptionStub {
	return &subscriptionStub{
		updates: make(chan store.ContactsPush, 8),
		errs:    make(chan error, 1),
	}
}

func (stub *subscriptionStub) Updates() <-chan store.ContactsPush { return stub.updates }
func (stub *subscriptionStub) Errors() <-chan error               { return stub.errs }

func (stub *subscriptionStub) Close() error {
	stub.closeOnce.Do(func() {
		close(stub.updates)
		close(stub.errs)
	})
	return nil
}

type remoteStub struct {
	mutex         sync.Mutex
	metadata      store.Metadata
	metadataFound bool
	commitErr     error
	deleteErr     error
	watchErr      error
	batches       []store.Batch
	deleteCalls   [][]string
	subscription  *subscriptionStub
	watchCalls    int
}

func (stub *remoteStub) FetchMetadata(_ context.Context, _ string) (store.Metadata, bool, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.metadata, stub.metadataFound, nil
}

func (stub *remoteStub) CommitBatch(_ context.Context, _ string, batch store.Batch) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.commitErr != nil {
		return stub.commitErr
	}
	stub.batches = append(stub.batches, batch)
	return nil
}

func (stub *remoteStub) DeleteContact(_ context.Context, _ string, contactID string) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.deleteErr != nil {
		return stub.deleteErr
	}
	stub.deleteCalls = append(stub.deleteCalls, []string{contactID})
	return nil
}

func (stub *remoteStub) DeleteContacts(_ context.Context, _ string, contactIDs []string) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.deleteErr != nil {
		return stub.deleteErr
	}
	stub.deleteCalls = append(stub.deleteCalls, contactIDs)
	return nil
}

func (stub *remoteStub) Watch(_ context.Context, _ string) (store.Subscription, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.watchCalls++
	if stub.watchErr != nil {
		return nil, stub.watchErr
	}
	// Each watch yields a fresh subscription; pushSubscription returns
	// the most recent one.
	stub.subscription = newSubscriptionStub()
	return stub.subscription, nil
}

func (stub *remoteStub) batchCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return len(stub.batches)
}

func (stub *remoteStub) batchAt(index int) store.Batch {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.batches[index]
}

func (stub *remoteStub) setCommitErr(commitErr error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.commitErr = commitErr
}

func (stub *remoteStub) deleteCallCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return len(stub.deleteCalls)
}

func (stub *remoteStub) pushSubscription() *subscriptionStub {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.subscription
}

func newStartedStore(t *testing.T, cache store.Cache, remote store.Remote) *store.Store {
	t.Helper()
	contactStore, storeErr := store.NewStore(store.Config{
		Cache:            cache,
		Remote:           remote,
		DebounceInterval: shortDebounce,
	})
	if storeErr != nil {
		t.Fatalf("NewStore returned error: %v", storeErr)
	}
	if startErr := contactStore.Start(context.Background(), contact.User{UID: testUserID}); startErr != nil {
		t.Fatalf("Start returned error: %v", startErr)
	}
	t.Cleanup(func() { contactStore.Stop(context.Background()) })
	return contactStore
}

func waitForCondition(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(conditionWaitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(conditionPollPause)
	}
	t.Fatalf("condition not reached: %s", description)
}

func TestStartHydratesFromCache(t *testing.T) {
	cached := store.CachedState{
		Contacts: []contact.Contact{{ID: "contact-1", Instagram: "@alice"}},
		LastSync: time.Now().Add(-time.Hour),
	}
	cache := &cacheStub{state: cached, found: true}
	remote := &remoteStub{}
	contactStore := newStartedStore(t, cache, remote)

	contacts := contactStore.Contacts()
	if len(contacts) != 1 || contacts[0].ID != "contact-1" {
		t.Fatalf("contacts after hydration = %+v", contacts)
	}
	if remote.watchCalls != 1 {
		t.Fatalf("watch calls = %d, want 1 (stale cache)", remote.watchCalls)
	}
	if len(contactStore.Metadata().DefaultFields) == 0 {
		t.Fatal("expected default field definitions after hydration")
	}
}

func TestStartSkipsRemoteWhenCacheIsFresh(t *testing.T) {
	cache := &cacheStub{
		state: store.CachedState{LastSync: time.Now()},
		found: true,
	}
	remote := &remoteStub{}
	newStartedStore(t, cache, remote)

	if remote.watchCalls != 0 {
		t.Fatalf("watch calls = %d, want 0 for fresh cache", remote.watchCalls)
	}
}

func TestStartIsIdempotentPerUser(t *testing.T) {
	remote := &remoteStub{}
	contactStore := newStartedStore(t, nil, remote)

	if startErr := contactStore.Start(context.Background(), contact.User{UID: testUserID}); startErr != nil {
		t.Fatalf("second Start returned error: %v", startErr)
	}
	if remote.watchCalls != 1 {
		t.Fatalf("watch calls = %d, want 1", remote.watchCalls)
	}
}

func TestStartContinuesWhenWatchFails(t *testing.T) {
	cached := store.CachedState{
		Contacts: []contact.Contact{{ID: "contact-1", Instagram: "@alice"}},
		LastSync: time.Now().Add(-time.Hour),
	}
	cache := &cacheStub{state: cached, found: true}
	remote := &remoteStub{watchErr: errors.New("watch unavailable")}
	contactStore := newStartedStore(t, cache, remote)

	// The session runs on the cached state when the realtime feed cannot
	// be established.
	contacts := contactStore.Contacts()
	if len(contacts) != 1 || contacts[0].ID != "contact-1" {
		t.Fatalf("contacts after failed watch = %+v, want cached contact", contacts)
	}
	if remote.watchCalls != 1 {
		t.Fatalf("watch calls = %d, want 1", remote.watchCalls)
	}
}

func TestStartWithDifferentUserEndsPreviousSession(t *testing.T) {
	remote := &remoteStub{}
	contactStore := newStartedStore(t, nil, remote)
	ctx := context.Background()

	if addErr := contactStore.Add(ctx, contact.NewContact("alice", time.Now())); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	firstSubscription := remote.pushSubscription()

	if startErr := contactStore.Start(ctx, contact.User{UID: "user-2"}); startErr != nil {
		t.Fatalf("Start for second user returned error: %v", startErr)
	}

	if remote.watchCalls != 2 {
		t.Fatalf("watch calls = %d, want 2 after user switch", remote.watchCalls)
	}
	select {
	case _, open := <-firstSubscription.Updates():
		if open {
			t.Fatal("unexpected buffered push on the first subscription")
		}
	default:
		t.Fatal("first subscription still open after user switch")
	}
	if contacts := contactStore.Contacts(); len(contacts) != 0 {
		t.Fatalf("contacts after user switch = %+v, want none", contacts)
	}

	// Pushes now land in the new user's session.
	remote.pushSubscription().updates <- store.ContactsPush{
		Sequence: 1,
		Contacts: []contact.Contact{{ID: "contact-2", Instagram: "bob"}},
	}
	waitForCondition(t, "push applied to the new session", func() bool {
		return len(contactStore.Contacts()) == 1
	})
}

func TestDebounceCollapsesMutationBurst(t *testing.T) {
	remote := &remoteStub{}
	contactStore := newStartedStore(t, nil, remote)
	ctx := context.Background()

	first := contact.NewContact("alice", time.Now())
	second := contact.NewContact("bob", time.Now())
	if addErr := contactStore.Add(ctx, first); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	if addErr := contactStore.Add(ctx, second); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	first.Notes = "met at the gym"
	if updateErr := contactStore.Update(ctx, first); updateErr != nil {
		t.Fatalf("Update returned error: %v", updateErr)
	}

	waitForCondition(t, "debounced flush committed", func() bool {
		return remote.batchCount() > 0
	})
	// The burst collapses into one batch carrying both contacts with the
	// latest edits.
	if remote.batchCount() != 1 {
		t.Fatalf("batch count = %d, want 1", remote.batchCount())
	}
	batch := remote.batchAt(0)
	if len(batch.Contacts) != 2 {
		t.Fatalf("batch contact count = %d, want 2", len(batch.Contacts))
	}
	for _, record := range batch.Contacts {
		if record.ID == first.ID && record.Notes != "met at the gym" {
			t.Fatalf("flush committed stale contact state: %+v", record)
		}
	}
}

func TestFlushFailureRetainsPendingChanges(t *testing.T) {
	remote := &remoteStub{}
	contactStore := newStartedStore(t, nil, remote)
	ctx := context.Background()

	commitFailure := errors.New("remote unavailable")
	remote.setCommitErr(commitFailure)

	record := contact.NewContact("alice", time.Now())
	if addErr := contactStore.Add(ctx, record); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	if flushErr := contactStore.ForceSave(ctx); !errors.Is(flushErr, commitFailure) {
		t.Fatalf("ForceSave error = %v, want wrapped commit failure", flushErr)
	}

	remote.setCommitErr(nil)
	if flushErr := contactStore.ForceSave(ctx); flushErr != nil {
		t.Fatalf("retry ForceSave returned error: %v", flushErr)
	}
	if remote.batchCount() != 1 {
		t.Fatalf("batch count = %d, want 1 after retry", remote.batchCount())
	}
	if len(remote.batchAt(0).Contacts) != 1 {
		t.Fatalf("retried batch contacts = %d, want 1", len(remote.batchAt(0).Contacts))
	}

	// With nothing pending, a further flush is a no-op.
	if flushErr := contactStore.ForceSave(ctx); flushErr != nil {
		t.Fatalf("idle ForceSave returned error: %v", flushErr)
	}
	if remote.batchCount() != 1 {
		t.Fatalf("batch count = %d, want 1 after idle flush", remote.batchCount())
	}
}

func TestDeleteCommitsImmediately(t *testing.T) {
	remote := &remoteStub{}
	contactStore := newStartedStore(t, nil, remote)
	ctx := context.Background()

	record := contact.NewContact("alice", time.Now())
	if addErr := contactStore.Add(ctx, record); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	if deleteErr := contactStore.Delete(ctx, record.ID); deleteErr != nil {
		t.Fatalf("Delete returned error: %v", deleteErr)
	}

	if deleteCallCount := remote.deleteCallCount(); deleteCallCount != 1 {
		t.Fatalf("remote delete calls = %d, want 1 without waiting for debounce", deleteCallCount)
	}
	if len(contactStore.Contacts()) != 0 {
		t.Fatalf("contacts after delete = %+v, want none", contactStore.Contacts())
	}
}

func TestDeleteRollsBackOnRemoteFailure(t *testing.T) {
	remote := &remoteStub{deleteErr: errors.New("remote unavailable")}
	contactStore := newStartedStore(t, nil, remote)
	ctx := context.Background()

	record := contact.NewContact("alice", time.Now())
	if addErr := contactStore.Add(ctx, record); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	if deleteErr := contactStore.Delete(ctx, record.ID); deleteErr == nil {
		t.Fatal("expected delete failure to surface")
	}

	contacts := contactStore.Contacts()
	if len(contacts) != 1 || contacts[0].ID != record.ID {
		t.Fatalf("contacts after failed delete = %+v, want rollback to one", contacts)
	}
}

func TestDeleteUnknownContact(t *testing.T) {
	contactStore := newStartedStore(t, nil, &remoteStub{})
	if deleteErr := contactStore.Delete(context.Background(), "missing"); !errors.Is(deleteErr, store.ErrContactNotFound) {
		t.Fatalf("Delete error = %v, want ErrContactNotFound", deleteErr)
	}
}

func TestUpdatePreservesCreationTimestamp(t *testing.T) {
	contactStore := newStartedStore(t, nil, &remoteStub{})
	ctx := context.Background()

	created := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	record := contact.NewContact("alice", created)
	if addErr := contactStore.Add(ctx, record); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}

	record.CreatedAt = "tampered"
	record.Notes = "updated"
	if updateErr := contactStore.Update(ctx, record); updateErr != nil {
		t.Fatalf("Update returned error: %v", updateErr)
	}

	stored, found := contactStore.Get(record.ID)
	if !found {
		t.Fatal("updated contact missing from store")
	}
	if stored.CreatedAt != created.UTC().Format(time.RFC3339) {
		t.Fatalf("CreatedAt = %s, want original timestamp", stored.CreatedAt)
	}
	if stored.Notes != "updated" {
		t.Fatalf("Notes = %s, want updated", stored.Notes)
	}
}

func TestToggleFavorite(t *testing.T) {
	contactStore := newStartedStore(t, nil, &remoteStub{})
	ctx := context.Background()

	record := contact.NewContact("alice", time.Now())
	if addErr := contactStore.Add(ctx, record); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	if toggleErr := contactStore.ToggleFavorite(ctx, record.ID); toggleErr != nil {
		t.Fatalf("ToggleFavorite returned error: %v", toggleErr)
	}
	stored, _ := contactStore.Get(record.ID)
	if !stored.IsFavorite {
		t.Fatal("expected contact to be favorite after toggle")
	}
}

func TestPushReplacesContacts(t *testing.T) {
	remote := &remoteStub{}
	contactStore := newStartedStore(t, nil, remote)

	subscription := remote.pushSubscription()
	if subscription == nil {
		t.Fatal("subscription not established")
	}
	subscription.updates <- store.ContactsPush{
		Sequence: 1,
		Contacts: []contact.Contact{{ID: "contact-1", Instagram: "alice"}},
	}
	waitForCondition(t, "push applied", func() bool {
		return len(contactStore.Contacts()) == 1
	})

	// A push with an older sequence is discarded.
	subscription.updates <- store.ContactsPush{
		Sequence: 1,
		Contacts: []contact.Contact{},
	}
	subscription.updates <- store.ContactsPush{
		Sequence: 2,
		Contacts: []contact.Contact{
			{ID: "contact-1", Instagram: "alice"},
			{ID: "contact-2", Instagram: "bob"},
		},
	}
	waitForCondition(t, "newer push applied", func() bool {
		return len(contactStore.Contacts()) == 2
	})
}

func TestPushPreservesPendingLocalEdits(t *testing.T) {
	remote := &remoteStub{}
	contactStore, storeErr := store.NewStore(store.Config{
		Remote: remote,
		// A long debounce keeps the local edit pending for the whole test.
		DebounceInterval: time.Hour,
	})
	if storeErr != nil {
		t.Fatalf("NewStore returned error: %v", storeErr)
	}
	if startErr := contactStore.Start(context.Background(), contact.User{UID: testUserID}); startErr != nil {
		t.Fatalf("Start returned error: %v", startErr)
	}
	t.Cleanup(func() { contactStore.Stop(context.Background()) })
	ctx := context.Background()

	edited := contact.Contact{ID: "contact-1", Instagram: "alice", Notes: "local edit"}
	if addErr := contactStore.Add(ctx, edited); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	locallyAdded := contact.Contact{ID: "contact-3", Instagram: "carol"}
	if addErr := contactStore.Add(ctx, locallyAdded); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}

	subscription := remote.pushSubscription()
	subscription.updates <- store.ContactsPush{
		Sequence: 5,
		Contacts: []contact.Contact{
			{ID: "contact-1", Instagram: "alice", Notes: "stale remote copy"},
			{ID: "contact-2", Instagram: "bob"},
		},
	}
	waitForCondition(t, "push merged with pending edits", func() bool {
		return len(contactStore.Contacts()) == 3
	})

	stored, found := contactStore.Get("contact-1")
	if !found || stored.Notes != "local edit" {
		t.Fatalf("pending edit lost to push: %+v", stored)
	}
	if _, found := contactStore.Get("contact-2"); !found {
		t.Fatal("pushed contact missing")
	}
	if _, found := contactStore.Get("contact-3"); !found {
		t.Fatal("locally added pending contact dropped by push")
	}
}

func TestStopFlushesAndResets(t *testing.T) {
	remote := &remoteStub{}
	cache := &cacheStub{}
	contactStore, storeErr := store.NewStore(store.Config{
		Cache:            cache,
		Remote:           remote,
		DebounceInterval: time.Hour,
	})
	if storeErr != nil {
		t.Fatalf("NewStore returned error: %v", storeErr)
	}
	ctx := context.Background()
	if startErr := contactStore.Start(ctx, contact.User{UID: testUserID}); startErr != nil {
		t.Fatalf("Start returned error: %v", startErr)
	}

	if addErr := contactStore.Add(ctx, contact.NewContact("alice", time.Now())); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}
	contactStore.Stop(ctx)

	if remote.batchCount() != 1 {
		t.Fatalf("batch count after Stop = %d, want 1", remote.batchCount())
	}
	if len(contactStore.Contacts()) != 0 {
		t.Fatalf("contacts after Stop = %+v, want none", contactStore.Contacts())
	}

	// A new session for the same user starts from scratch.
	if startErr := contactStore.Start(ctx, contact.User{UID: testUserID}); startErr != nil {
		t.Fatalf("restart returned error: %v", startErr)
	}
	contactStore.Stop(ctx)
}

func TestCacheRewrittenOnMutation(t *testing.T) {
	cache := &cacheStub{}
	contactStore := newStartedStore(t, cache, &remoteStub{})

	record := contact.NewContact("alice", time.Now())
	if addErr := contactStore.Add(context.Background(), record); addErr != nil {
		t.Fatalf("Add returned error: %v", addErr)
	}

	saved := cache.savedState()
	if len(saved.Contacts) != 1 || saved.Contacts[0].ID != record.ID {
		t.Fatalf("cached contacts = %+v, want the added contact", saved.Contacts)
	}
}
