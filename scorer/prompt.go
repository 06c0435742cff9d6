package scorer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-profile-insights/models"
	"github.com/aluiziolira/go-profile-insights/parser"
)

const (
	captionPreviewLimit = 100
	commentPreviewLimit = 50

	MinScore = 1
	MaxScore = 10
)

var scorePattern = regexp.MustCompile(`Overall Score:\s*(\d+)\s*/\s*10`)

// Tier is a follower-count bracket with its engagement rubric.
type Tier struct {
	Name string
	// Below is the exclusive follower ceiling; zero means unbounded.
	Below  int
	Rubric string
}

var tiers = []Tier{
	{
		Name:   "Nano",
		Below:  10_000,
		Rubric: "Nano accounts (under 10k followers) usually reach 4-8% engagement per post. Above 8% is excellent, below 2% signals a disengaged audience.",
	},
	{
		Name:   "Micro",
		Below:  100_000,
		Rubric: "Micro accounts (10k-100k followers) usually reach 2-4% engagement per post. Above 5% is excellent, below 1.5% is weak for this size.",
	},
	{
		Name:   "Mid-tier",
		Below:  500_000,
		Rubric: "Mid-tier accounts (100k-500k followers) usually reach 1.5-3% engagement per post. Above 3.5% is excellent, below 1% is weak for this size.",
	},
	{
		Name:   "Macro",
		Below:  5_000_000,
		Rubric: "Macro accounts (500k-5M followers) usually reach 1-2% engagement per post. Above 2.5% is excellent, below 0.7% is weak for this size.",
	},
	{
		Name:   "Mega",
		Rubric: "Mega accounts (5M+ followers) usually reach 0.5-1.5% engagement per post. Above 2% is excellent, below 0.4% is weak for this size.",
	},
}

// TierFor returns the tier a follower count falls into.
func TierFor(followers int) Tier {
	for _, t := range tiers {
		if t.Below == 0 || followers < t.Below {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// EngagementRate returns the average (likes+comments) per post as a
// percentage of followers, and false when it cannot be computed.
func EngagementRate(followers int, posts []models.Post) (float64, bool) {
	if followers <= 0 || len(posts) == 0 {
		return 0, false
	}
	var total int
	for _, p := range posts {
		total += p.LikeCount + p.CommentCount
	}
	perPost := float64(total) / float64(len(posts))
	return perPost / float64(followers) * 100, true
}

// BuildPrompt renders the scoring prompt for a profile and its posts.
func BuildPrompt(profile models.Profile, posts []models.Post) string {
	tier := TierFor(profile.FollowerCount)

	var b strings.Builder
	b.WriteString("Analyze the following Instagram profile data and provide a concise opinion.\n")
	b.WriteString("Your analysis must include both strengths and weaknesses/areas for improvement.\n")
	b.WriteString("At the very beginning of your response, provide an \"Overall Score: X/10\", where X is an integer from 1 to 10.\n")
	b.WriteString("Keep the analysis to a maximum of 150 words.\n\n")

	fmt.Fprintf(&b, "Profile Username: %s\n", profile.Identity)
	fmt.Fprintf(&b, "Full Name: %s\n", orDefault(profile.DisplayName, profile.Identity))
	fmt.Fprintf(&b, "Followers: %d\n", profile.FollowerCount)
	fmt.Fprintf(&b, "Following: %d\n", profile.FollowingCount)
	fmt.Fprintf(&b, "Bio: %s\n", orDefault(profile.Biography, "Not provided"))
	fmt.Fprintf(&b, "Profile URL: %s\n\n", profile.CanonicalURL)

	fmt.Fprintf(&b, "Account tier: %s\n", tier.Name)
	fmt.Fprintf(&b, "Tier guidance: %s\n", tier.Rubric)
	if rate, ok := EngagementRate(profile.FollowerCount, posts); ok {
		fmt.Fprintf(&b, "Average engagement rate over recent posts: %.2f%%\n", rate)
	} else {
		b.WriteString("Average engagement rate over recent posts: not available\n")
	}
	b.WriteString("Judge engagement against the tier guidance, not against accounts of a different size.\n\n")

	b.WriteString("Recent Posts (summarized by caption, hashtags, and first comment if available):\n")
	for i, post := range posts {
		b.WriteString(postLine(i+1, post))
		b.WriteByte('\n')
	}
	return b.String()
}

func postLine(index int, post models.Post) string {
	caption := "No caption"
	if strings.TrimSpace(post.Caption) != "" {
		caption = parser.Truncate(post.Caption, captionPreviewLimit)
	}
	hashtags := ""
	if len(post.Hashtags) > 0 {
		hashtags = " #" + strings.Join(post.Hashtags, " #")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "- Content %d (Likes: %d, Interactions Count: %d): %q", index, post.LikeCount, post.CommentCount, caption+hashtags)
	fmt.Fprintf(&b, " Media: %s.", orDefault(post.MediaType, "Unknown"))
	if post.CanonicalURL != "" {
		fmt.Fprintf(&b, " URL: %s", post.CanonicalURL)
	}
	if len(post.Comments) > 0 {
		text := "No text"
		if strings.TrimSpace(post.Comments[0].Text) != "" {
			text = parser.Truncate(post.Comments[0].Text, commentPreviewLimit)
		}
		fmt.Fprintf(&b, " First interaction: %q", text)
	}
	return b.String()
}

// ParseScore extracts the "Overall Score: X/10" value clamped to [1,10],
// or 0 when the pattern is absent.
func ParseScore(text string) int {
	match := scorePattern.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	score, err := strconv.Atoi(match[1])
	if err != nil {
		// only digits matched, so the value overflowed
		return MaxScore
	}
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
