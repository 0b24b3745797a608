package store

import (
	"fmt"

	"github.com/sicko7947/mangaflow"
)

// Sort-key constants and prefixes for the single-table design
const (
	skProfile     = "PROFILE"
	skMetadata    = "METADATA"
	skStatus      = "STATUS"
	prefixUser    = "USER#"
	prefixPrefs   = "PREFERENCES#"
	prefixStory   = "STORY#"
	prefixEpisode = "EPISODE#"
	prefixRequest = "REQUEST#"
	prefixWF      = "WORKFLOW#"
	prefixCont    = "CONTINUATION#"
)

// Key builders

// UserProfile: PK=USER#{userID}, SK=PROFILE
func userPK(userID string) string {
	return prefixUser + userID
}

func profileKey(userID string) mangaflow.Key {
	return mangaflow.Key{PK: userPK(userID), SK: skProfile}
}

// UserPreferences: PK=USER#{userID}, SK=PREFERENCES#{timestamp}
func preferencesSK(timestamp string) string {
	return prefixPrefs + timestamp
}

// Story: PK=USER#{userID}, SK=STORY#{storyID}; GSI1 STORY#{storyID}/METADATA
func storyKey(userID, storyID string) mangaflow.Key {
	return mangaflow.Key{PK: userPK(userID), SK: prefixStory + storyID}
}

func storyGSI1PK(storyID string) string {
	return prefixStory + storyID
}

// Episode: PK=STORY#{storyID}, SK=EPISODE#{padded}; GSI1 EPISODE#{episodeID}/METADATA
func episodeKey(storyID string, number int) mangaflow.Key {
	return mangaflow.Key{PK: prefixStory + storyID, SK: prefixEpisode + mangaflow.PadEpisodeNumber(number)}
}

func episodeGSI1PK(episodeID string) string {
	return prefixEpisode + episodeID
}

// GenerationRequest: PK=USER#{userID}, SK=REQUEST#{requestID}; GSI1 REQUEST#{requestID}/STATUS
func requestKey(userID, requestID string) mangaflow.Key {
	return mangaflow.Key{PK: userPK(userID), SK: prefixRequest + requestID}
}

func requestGSI1PK(requestID string) string {
	return prefixRequest + requestID
}

// BatchWorkflow: PK=USER#{userID}, SK=WORKFLOW#{workflowID}; GSI1 WORKFLOW#{workflowID}/METADATA
func workflowKey(userID, workflowID string) mangaflow.Key {
	return mangaflow.Key{PK: userPK(userID), SK: prefixWF + workflowID}
}

func workflowGSI1PK(workflowID string) string {
	return prefixWF + workflowID
}

// EpisodeContinuation: PK=STORY#{storyID}, SK=CONTINUATION#{id}; GSI1 CONTINUATION#{id}/METADATA
func continuationKey(storyID, continuationID string) mangaflow.Key {
	return mangaflow.Key{PK: prefixStory + storyID, SK: prefixCont + continuationID}
}

func continuationGSI1PK(continuationID string) string {
	return prefixCont + continuationID
}

func keyString(k mangaflow.Key) string {
	return fmt.Sprintf("%s|%s", k.PK, k.SK)
}
