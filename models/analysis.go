// Package models defines the records produced by the analysis pipeline.
package models

import (
	"encoding/json"
	"time"
)

// Profile is the normalized profile record. Counts are never negative.
type Profile struct {
	Identity            string `json:"identity"`
	DisplayName         string `json:"display_name"`
	FollowerCount       int    `json:"follower_count"`
	FollowingCount      int    `json:"following_count"`
	Biography           string `json:"biography,omitempty"`
	ProfileImageURL     string `json:"profile_image_url,omitempty"`
	ProfileImageEncoded string `json:"profile_image_encoded,omitempty"`
	CanonicalURL        string `json:"canonical_url"`
}

// Post is a normalized post with its enriched comments.
type Post struct {
	ShortCode    string    `json:"short_code,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	MediaType    string    `json:"media_type"`
	LikeCount    int       `json:"like_count"`
	CommentCount int       `json:"comment_count"`
	Hashtags     []string  `json:"hashtags"`
	Comments     []Comment `json:"comments"`
	CanonicalURL string    `json:"canonical_url,omitempty"`
	Timestamp    string    `json:"timestamp,omitempty"`
}

// Comment keeps the few fields the pipeline reads plus the source object as-is.
type Comment struct {
	Text          string          `json:"text,omitempty"`
	OwnerUsername string          `json:"owner_username,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	LikesCount    int             `json:"likes_count"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// AnalysisResult is the immutable output of one successful pipeline run.
type AnalysisResult struct {
	Profile       Profile   `json:"profile"`
	Posts         []Post    `json:"posts"`
	NarrativeText string    `json:"narrative_text"`
	Score         int       `json:"score"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}

// ProgressState is the latest stage snapshot of a run, as seen by pollers.
type ProgressState struct {
	State      string `json:"state"`
	Label      string `json:"label"`
	Percentage int    `json:"percentage"`
}
