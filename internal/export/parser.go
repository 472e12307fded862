// Package export decodes Instagram "export my data" ZIP archives into the
// follower, following, and pending-request username sequences consumed by the
// reconciler.
package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	followersFilePattern     = `^followers_(\d+)\.json$`
	followersFallbackPath    = "connections/followers_and_following/followers_1.json"
	followingFileName        = "following.json"
	followingFallbackPath    = "connections/followers_and_following/following.json"
	pendingRequestsFileName  = "pending_follow_requests.json"
	relationshipsFollowers   = "relationships_followers"
	relationshipsFollowing   = "relationships_following"
	relationshipsPendingSent = "relationships_follow_requests_sent"
	stringListDataKey        = "string_list_data"
	titleKey                 = "title"
	usernameKey              = "username"
	valueKey                 = "value"
	followersEntryLabel      = "followers"
	followingEntryLabel      = "following"
)

var reFollowersFile = regexp.MustCompile(followersFilePattern)

// ErrMissingExportFile reports that a required archive entry could not be
// located. The whole analysis aborts with no side effects.
var ErrMissingExportFile = errors.New("required export file missing from archive")

// ErrCorruptExportFile reports malformed JSON in a required archive entry.
// The whole analysis aborts with no side effects.
var ErrCorruptExportFile = errors.New("export file contains malformed JSON")

// Export holds the username sequences decoded from one archive. Usernames
// keep the case they were exported with; comparisons downstream are
// case-insensitive.
type Export struct {
	Followers       []string
	Following       []string
	PendingRequests []string
}

// ReadArchiveFile loads an Instagram export from a ZIP file on disk.
func ReadArchiveFile(archivePath string) (Export, error) {
	data, readErr := os.ReadFile(archivePath)
	if readErr != nil {
		return Export{}, readErr
	}
	return ParseArchive(data)
}

// ParseArchive decodes an Instagram export from a ZIP byte stream.
func ParseArchive(archive []byte) (Export, error) {
	zipReader, openErr := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if openErr != nil {
		return Export{}, openErr
	}

	followerBlobs := map[int][]byte{}
	var followingBlob []byte
	followingFound := false
	var pendingBlob []byte

	for _, file := range zipReader.File {
		lowerBase := strings.ToLower(filepath.Base(file.Name))
		lowerName := strings.ToLower(file.Name)
		switch {
		case reFollowersFile.MatchString(lowerBase) || lowerName == followersFallbackPath:
			data, readErr := readArchiveEntry(file)
			if readErr != nil {
				return Export{}, readErr
			}
			followerBlobs[followersFileIndex(lowerBase)] = data
		case lowerBase == followingFileName || lowerName == followingFallbackPath:
			data, readErr := readArchiveEntry(file)
			if readErr != nil {
				return Export{}, readErr
			}
			followingBlob = data
			followingFound = true
		case lowerBase == pendingRequestsFileName:
			data, readErr := readArchiveEntry(file)
			if readErr != nil {
				return Export{}, readErr
			}
			pendingBlob = data
		}
	}

	if len(followerBlobs) == 0 {
		return Export{}, fmt.Errorf("%s: %w", followersEntryLabel, ErrMissingExportFile)
	}
	if !followingFound {
		return Export{}, fmt.Errorf("%s: %w", followingEntryLabel, ErrMissingExportFile)
	}

	decoded := Export{}

	// Instagram splits large follower lists across followers_1.json,
	// followers_2.json, and so on; concatenate them in numeric order.
	for _, index := range sortedFollowerIndexes(followerBlobs) {
		usernames, parseErr := parseRelationshipFile(followerBlobs[index], relationshipsFollowers)
		if parseErr != nil {
			return Export{}, fmt.Errorf("%s: %w", followersEntryLabel, ErrCorruptExportFile)
		}
		decoded.Followers = append(decoded.Followers, usernames...)
	}

	followingUsernames, parseErr := parseRelationshipFile(followingBlob, relationshipsFollowing)
	if parseErr != nil {
		return Export{}, fmt.Errorf("%s: %w", followingEntryLabel, ErrCorruptExportFile)
	}
	decoded.Following = followingUsernames

	// The pending-requests file is optional; a malformed one is skipped
	// rather than failing the whole analysis.
	if len(pendingBlob) > 0 {
		if pending, pendingErr := parsePendingRequests(pendingBlob); pendingErr == nil {
			decoded.PendingRequests = pending
		}
	}

	return decoded, nil
}

func readArchiveEntry(file *zip.File) ([]byte, error) {
	reader, openErr := file.Open()
	if openErr != nil {
		return nil, openErr
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func followersFileIndex(lowerBase string) int {
	if match := reFollowersFile.FindStringSubmatch(lowerBase); len(match) == 2 {
		if index, convErr := strconv.Atoi(match[1]); convErr == nil {
			return index
		}
	}
	return 1
}

func sortedFollowerIndexes(blobs map[int][]byte) []int {
	indexes := make([]int, 0, len(blobs))
	for index := range blobs {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

// parseRelationshipFile accepts either a bare array of records or an object
// wrapping the array under the given relationships key.
func parseRelationshipFile(data []byte, relationshipsKey string) ([]string, error) {
	var root any
	if unmarshalErr := json.Unmarshal(data, &root); unmarshalErr != nil {
		return nil, unmarshalErr
	}

	var records []any
	switch typed := root.(type) {
	case []any:
		records = typed
	case map[string]any:
		wrapped, _ := typed[relationshipsKey].([]any)
		records = wrapped
	}

	usernames := make([]string, 0, len(records))
	for _, record := range records {
		if username := usernameFromRecord(record); username != "" {
			usernames = append(usernames, username)
		}
	}
	return usernames, nil
}

// usernameFromRecord extracts a username from one export record, trying, in
// priority order: string_list_data[0].value, title, username, or the record
// itself when it is already a string. Records yielding nothing are dropped.
func usernameFromRecord(record any) string {
	if direct, isString := record.(string); isString {
		return strings.TrimSpace(direct)
	}
	object, isObject := record.(map[string]any)
	if !isObject {
		return ""
	}
	if listData, hasList := object[stringListDataKey].([]any); hasList && len(listData) > 0 {
		if first, isMap := listData[0].(map[string]any); isMap {
			if value, isString := first[valueKey].(string); isString && value != "" {
				return value
			}
		}
	}
	if title, isString := object[titleKey].(string); isString && title != "" {
		return title
	}
	if username, isString := object[usernameKey].(string); isString && username != "" {
		return username
	}
	return ""
}

func parsePendingRequests(data []byte) ([]string, error) {
	var root map[string]any
	if unmarshalErr := json.Unmarshal(data, &root); unmarshalErr != nil {
		return nil, unmarshalErr
	}
	records, _ := root[relationshipsPendingSent].([]any)
	var usernames []string
	for _, record := range records {
		object, isObject := record.(map[string]any)
		if !isObject {
			continue
		}
		listData, _ := object[stringListDataKey].([]any)
		for _, item := range listData {
			entry, isMap := item.(map[string]any)
			if !isMap {
				continue
			}
			if value, isString := entry[valueKey].(string); isString && value != "" {
				usernames = append(usernames, value)
			}
		}
	}
	return usernames, nil
}
