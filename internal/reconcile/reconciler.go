// Package reconcile computes the difference between an Instagram export and
// the stored contact collection, and commits the resulting changes behind a
// user-confirmed, all-or-nothing gate.
package reconcile

import (
	"github.com/gramkeep/gramkeep/internal/contact"
)

// Input carries everything the reconciler needs: the export sequences, the
// existing contacts, and the previously stored exclusion lists.
type Input struct {
	Followers         []string
	Following         []string
	PendingRequests   []string
	Contacts          []contact.Contact
	NormalUnfollowers []string
	DoNotFollowList   []string
}

// Analysis is the reconciler's output: the graph partition plus the contact
// diff. Usernames keep their exported case; set membership was decided
// case-insensitively.
type Analysis struct {
	Followers        []string
	Following        []string
	PendingRequests  []string
	Unfollowers      []string
	Fans             []string
	MutualFollowers  []string
	ContactsToDelete []contact.Contact
}

// Reconcile partitions the export into unfollowers, fans, and mutual
// followers, and determines which existing contacts no longer follow back.
// Entries tagged as normal unfollowers are excluded from the unfollower set;
// entries on the do-not-follow list deliberately are not, since a re-followed
// account must surface again as an unfollower candidate.
func Reconcile(input Input) Analysis {
	followerSet := normalizedSet(input.Followers)
	followingSet := normalizedSet(input.Following)
	normalSet := normalizedSet(input.NormalUnfollowers)

	analysis := Analysis{
		Followers:       dedupePreservingOrder(input.Followers),
		Following:       dedupePreservingOrder(input.Following),
		PendingRequests: dedupePreservingOrder(input.PendingRequests),
	}

	seenFollowing := map[string]bool{}
	for _, username := range input.Following {
		normalized := contact.NormalizeUsername(username)
		if normalized == "" || seenFollowing[normalized] {
			continue
		}
		seenFollowing[normalized] = true
		if followerSet[normalized] {
			analysis.MutualFollowers = append(analysis.MutualFollowers, username)
			continue
		}
		if !normalSet[normalized] {
			analysis.Unfollowers = append(analysis.Unfollowers, username)
		}
	}

	seenFollowers := map[string]bool{}
	for _, username := range input.Followers {
		normalized := contact.NormalizeUsername(username)
		if normalized == "" || seenFollowers[normalized] {
			continue
		}
		seenFollowers[normalized] = true
		if !followingSet[normalized] {
			analysis.Fans = append(analysis.Fans, username)
		}
	}

	for _, existing := range input.Contacts {
		normalized := existing.NormalizedInstagram()
		if normalized == "" {
			// Manually created contacts without a username are not
			// subject to export-driven deletion.
			continue
		}
		if !followerSet[normalized] {
			analysis.ContactsToDelete = append(analysis.ContactsToDelete, existing)
		}
	}

	return analysis
}

// DeletedUsernames lists the Instagram usernames of the contacts the analysis
// marked for deletion, for gate prompts and result summaries.
func (analysis Analysis) DeletedUsernames() []string {
	usernames := make([]string, 0, len(analysis.ContactsToDelete))
	for _, candidate := range analysis.ContactsToDelete {
		usernames = append(usernames, candidate.Instagram)
	}
	return usernames
}

func normalizedSet(usernames []string) map[string]bool {
	set := make(map[string]bool, len(usernames))
	for _, username := range usernames {
		if normalized := contact.NormalizeUsername(username); normalized != "" {
			set[normalized] = true
		}
	}
	return set
}

func dedupePreservingOrder(usernames []string) []string {
	seen := map[string]bool{}
	deduped := make([]string, 0, len(usernames))
	for _, username := range usernames {
		normalized := contact.NormalizeUsername(username)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		deduped = append(deduped, username)
	}
	return deduped
}
