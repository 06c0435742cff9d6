// Package parser maps the scraping service's loosely typed payloads onto
// the pipeline records, applying every default rule at this boundary.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aluiziolira/go-profile-insights/models"
)

const (
	profileURLFormat = "https://www.instagram.com/%s/"
	postURLFormat    = "https://www.instagram.com/p/%s/"
)

// Count is a non-negative integer that tolerates null, missing, float and
// quoted numeric values in the source JSON.
type Count int

// UnmarshalJSON implements json.Unmarshaler.
func (c *Count) UnmarshalJSON(data []byte) error {
	*c = 0
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		data = []byte(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil || math.IsNaN(f) || f <= 0 {
		return nil
	}
	if f > math.MaxInt32 {
		f = math.MaxInt32
	}
	*c = Count(f)
	return nil
}

// Int returns the count as an int.
func (c Count) Int() int {
	if c < 0 {
		return 0
	}
	return int(c)
}

// ProfilePayload is one profile item from the profile actor dataset.
type ProfilePayload struct {
	Username        string        `json:"username"`
	FullName        string        `json:"fullName"`
	FollowersCount  Count         `json:"followersCount"`
	FollowsCount    Count         `json:"followsCount"`
	Biography       string        `json:"biography"`
	ProfilePicURL   string        `json:"profilePicUrl"`
	ProfilePicURLHD string        `json:"profilePicUrlHD"`
	LatestPosts     []PostPayload `json:"latestPosts"`
}

// PostPayload is a post stub embedded in a profile item.
type PostPayload struct {
	ShortCode     string `json:"shortCode"`
	Caption       string `json:"caption"`
	Type          string `json:"type"`
	ProductType   string `json:"productType"`
	LikesCount    Count  `json:"likesCount"`
	CommentsCount Count  `json:"commentsCount"`
	Timestamp     string `json:"timestamp"`
}

type commentPayload struct {
	Text          string `json:"text"`
	OwnerUsername string `json:"ownerUsername"`
	Timestamp     string `json:"timestamp"`
	LikesCount    Count  `json:"likesCount"`
}

// ProfileURL returns the canonical profile URL for identity.
func ProfileURL(identity string) string {
	return fmt.Sprintf(profileURLFormat, identity)
}

// PostURL returns the canonical post URL, or "" when shortCode is empty.
func PostURL(shortCode string) string {
	shortCode = strings.TrimSpace(shortCode)
	if shortCode == "" {
		return ""
	}
	return fmt.Sprintf(postURLFormat, shortCode)
}

// NormalizeProfile converts a profile payload into a Profile keyed by identity.
func NormalizeProfile(identity string, p *ProfilePayload) models.Profile {
	profile := models.Profile{
		Identity:     identity,
		CanonicalURL: ProfileURL(identity),
	}
	if p == nil {
		return profile
	}
	profile.DisplayName = strings.TrimSpace(p.FullName)
	if profile.DisplayName == "" {
		profile.DisplayName = firstNonEmpty(p.Username, identity)
	}
	profile.FollowerCount = p.FollowersCount.Int()
	profile.FollowingCount = p.FollowsCount.Int()
	profile.Biography = strings.TrimSpace(p.Biography)
	profile.ProfileImageURL = firstNonEmpty(p.ProfilePicURLHD, p.ProfilePicURL)
	return profile
}

// NormalizePost converts a post stub into a Post with empty comments.
func NormalizePost(p PostPayload) models.Post {
	return models.Post{
		ShortCode:    strings.TrimSpace(p.ShortCode),
		Caption:      p.Caption,
		MediaType:    MediaType(p.Type, p.ProductType),
		LikeCount:    p.LikesCount.Int(),
		CommentCount: p.CommentsCount.Int(),
		Hashtags:     ExtractHashtags(p.Caption),
		Comments:     []models.Comment{},
		CanonicalURL: PostURL(p.ShortCode),
		Timestamp:    p.Timestamp,
	}
}

// ParseComments decodes a comment dataset, keeping each source object in Raw.
// Items that are not JSON objects are skipped.
func ParseComments(items []json.RawMessage) []models.Comment {
	comments := make([]models.Comment, 0, len(items))
	for _, item := range items {
		var c commentPayload
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}
		comments = append(comments, models.Comment{
			Text:          c.Text,
			OwnerUsername: c.OwnerUsername,
			Timestamp:     c.Timestamp,
			LikesCount:    c.LikesCount.Int(),
			Raw:           append(json.RawMessage(nil), item...),
		})
	}
	return comments
}

// ExtractHashtags returns caption tokens starting with '#', prefix removed,
// in caption order. Never nil.
func ExtractHashtags(caption string) []string {
	tags := []string{}
	for _, token := range strings.Fields(caption) {
		if !strings.HasPrefix(token, "#") {
			continue
		}
		tag := strings.TrimLeft(token, "#")
		if tag == "" {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}

// MediaType maps the source type tag onto a coarse label.
func MediaType(sourceType, productType string) string {
	switch strings.ToLower(strings.TrimSpace(productType)) {
	case "clips", "reels":
		return "Reel"
	}
	switch strings.ToLower(strings.TrimSpace(sourceType)) {
	case "image", "graphimage":
		return "Image"
	case "video", "graphvideo":
		return "Video"
	case "sidecar", "graphsidecar", "carousel":
		return "Carousel"
	case "":
		return "Unknown"
	default:
		return strings.TrimSpace(sourceType)
	}
}

// Truncate cuts s to at most limit runes, appending "..." when it cut anything.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
