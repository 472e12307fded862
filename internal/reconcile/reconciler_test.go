package reconcile_test

import (
	"testing"

	"github.com/gramkeep/gramkeep/internal/contact"
	"github.com/gramkeep/gramkeep/internal/reconcile"
)

func TestReconcile(t *testing.T) {
	testCases := []struct {
		name              string
		input             reconcile.Input
		expectedUnfollow  []string
		expectedFans      []string
		expectedMutuals   []string
		expectedDeleteIDs []string
	}{
		{
			name: "spec partition scenario",
			input: reconcile.Input{
				Followers: []string{"a", "b", "c"},
				Following: []string{"b", "c", "d"},
				Contacts:  []contact.Contact{{ID: "contact-a", Instagram: "a"}},
			},
			expectedUnfollow: []string{"d"},
			expectedFans:     []string{"a"},
			expectedMutuals:  []string{"b", "c"},
		},
		{
			name: "contact absent from followers is marked for deletion",
			input: reconcile.Input{
				Followers: []string{"a", "b", "c"},
				Following: []string{"b", "c", "d"},
				Contacts:  []contact.Contact{{ID: "contact-x", Instagram: "x"}},
			},
			expectedUnfollow:  []string{"d"},
			expectedFans:      []string{"a"},
			expectedMutuals:   []string{"b", "c"},
			expectedDeleteIDs: []string{"contact-x"},
		},
		{
			name: "normal unfollowers are excluded, do-not-follow entries are not",
			input: reconcile.Input{
				Followers:         []string{"mutual"},
				Following:         []string{"mutual", "tolerated", "reconsidered"},
				NormalUnfollowers: []string{"tolerated"},
				DoNotFollowList:   []string{"reconsidered"},
			},
			expectedUnfollow: []string{"reconsidered"},
			expectedFans:     []string{},
			expectedMutuals:  []string{"mutual"},
		},
		{
			name: "comparisons are case-insensitive with @ stripped",
			input: reconcile.Input{
				Followers: []string{"Alice", "BOB"},
				Following: []string{"@alice", "bob", "Carol"},
				Contacts:  []contact.Contact{{ID: "contact-b", Instagram: "@Bob"}},
			},
			expectedUnfollow: []string{"Carol"},
			expectedFans:     []string{},
			expectedMutuals:  []string{"@alice", "bob"},
		},
		{
			name: "duplicate export entries are deduplicated",
			input: reconcile.Input{
				Followers: []string{"dup", "DUP"},
				Following: []string{"dup", "@dup"},
			},
			expectedUnfollow: []string{},
			expectedFans:     []string{},
			expectedMutuals:  []string{"dup"},
		},
		{
			name: "contacts without a username are never deleted",
			input: reconcile.Input{
				Followers: []string{"a"},
				Following: []string{"a"},
				Contacts:  []contact.Contact{{ID: "contact-manual", Instagram: ""}},
			},
			expectedUnfollow: []string{},
			expectedFans:     []string{},
			expectedMutuals:  []string{"a"},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			analysis := reconcile.Reconcile(testCase.input)
			assertUsernamesEqual(t, "Unfollowers", analysis.Unfollowers, testCase.expectedUnfollow)
			assertUsernamesEqual(t, "Fans", analysis.Fans, testCase.expectedFans)
			assertUsernamesEqual(t, "MutualFollowers", analysis.MutualFollowers, testCase.expectedMutuals)

			deleteIDs := make([]string, 0, len(analysis.ContactsToDelete))
			for _, candidate := range analysis.ContactsToDelete {
				deleteIDs = append(deleteIDs, candidate.ID)
			}
			assertUsernamesEqual(t, "ContactsToDelete", deleteIDs, testCase.expectedDeleteIDs)
		})
	}
}

// The partition properties: unfollowers never intersect followers, fans never
// intersect following, and mutuals are exactly the intersection.
func TestReconcilePartitionProperties(t *testing.T) {
	analysis := reconcile.Reconcile(reconcile.Input{
		Followers: []string{"a", "B", "c", "d", "E"},
		Following: []string{"b", "C", "e", "f", "G", "h"},
	})

	followerSet := normalizedSet(analysis.Followers)
	followingSet := normalizedSet(analysis.Following)

	for _, username := range analysis.Unfollowers {
		if followerSet[contact.NormalizeUsername(username)] {
			t.Fatalf("unfollower %s is present in followers", username)
		}
	}
	for _, username := range analysis.Fans {
		if followingSet[contact.NormalizeUsername(username)] {
			t.Fatalf("fan %s is present in following", username)
		}
	}
	for _, username := range analysis.MutualFollowers {
		normalized := contact.NormalizeUsername(username)
		if !followerSet[normalized] || !followingSet[normalized] {
			t.Fatalf("mutual %s is not in both sets", username)
		}
	}
	if expected := len(followingSet) - len(analysis.Unfollowers); len(analysis.MutualFollowers) != expected {
		t.Fatalf("mutuals = %d, want %d", len(analysis.MutualFollowers), expected)
	}
}

func normalizedSet(usernames []string) map[string]bool {
	set := map[string]bool{}
	for _, username := range usernames {
		set[contact.NormalizeUsername(username)] = true
	}
	return set
}

func assertUsernamesEqual(t *testing.T, label string, actual []string, expected []string) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("%s mismatch: got %v, want %v", label, actual, expected)
	}
	for index, username := range actual {
		if username != expected[index] {
			t.Fatalf("%s[%d] = %s, want %s", label, index, username, expected[index])
		}
	}
}
