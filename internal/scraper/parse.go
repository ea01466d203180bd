package scraper

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

var (
	shortLinkRe = regexp.MustCompile(`https://t\.co/[A-Za-z0-9]+`)
	statusURLRe = regexp.MustCompile(`^https?://(?:www\.|mobile\.)?(?:twitter|x)\.com/([A-Za-z0-9_]+)/status/(\d+)`)
)

// GraphQL response shapes, reduced to the fields the mirror needs

type userTweetsResponse struct {
	Data struct {
		User struct {
			Result struct {
				TimelineV2 *timelineWrapper `json:"timeline_v2"`
				Timeline   *timelineWrapper `json:"timeline"`
			} `json:"result"`
		} `json:"user"`
	} `json:"data"`
}

type tweetDetailResponse struct {
	Data struct {
		Conversation struct {
			Instructions []instruction `json:"instructions"`
		} `json:"threaded_conversation_with_injections_v2"`
	} `json:"data"`
}

type timelineWrapper struct {
	Timeline struct {
		Instructions []instruction `json:"instructions"`
	} `json:"timeline"`
}

type instruction struct {
	Type    string  `json:"type"`
	Entries []entry `json:"entries"`
}

type entry struct {
	EntryID string `json:"entryId"`
	Content struct {
		ItemContent *itemContent `json:"itemContent"`
		Items       []struct {
			Item struct {
				ItemContent *itemContent `json:"itemContent"`
			} `json:"item"`
		} `json:"items"`
	} `json:"content"`
}

type itemContent struct {
	TweetResults struct {
		Result *tweetResult `json:"result"`
	} `json:"tweet_results"`
}

type tweetResult struct {
	Typename string       `json:"__typename"`
	RestID   string       `json:"rest_id"`
	Tweet    *tweetResult `json:"tweet"`
	Core     struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					ScreenName string `json:"screen_name"`
				} `json:"legacy"`
				Core struct {
					ScreenName string `json:"screen_name"`
				} `json:"core"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy legacyTweet `json:"legacy"`
}

type legacyTweet struct {
	FullText              string `json:"full_text"`
	RetweetedStatusResult *struct {
		Result *tweetResult `json:"result"`
	} `json:"retweeted_status_result"`
	QuotedStatusPermalink *struct {
		URL      string `json:"url"`
		Expanded string `json:"expanded"`
	} `json:"quoted_status_permalink"`
	Entities struct {
		URLs  []urlEntity   `json:"urls"`
		Media []mediaEntity `json:"media"`
	} `json:"entities"`
	ExtendedEntities struct {
		Media []mediaEntity `json:"media"`
	} `json:"extended_entities"`
}

type urlEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url"`
}

type mediaEntity struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
	VideoInfo     *struct {
		Variants []struct {
			Bitrate     int    `json:"bitrate"`
			ContentType string `json:"content_type"`
			URL         string `json:"url"`
		} `json:"variants"`
	} `json:"video_info"`
}

// ParseUserTweets turns a UserTweets response into threads, newest first.
// Single tweets become one-post threads; profile conversations keep only the
// posts written by owner.
func ParseUserTweets(body []byte, owner string) ([]types.Thread, error) {
	var resp userTweetsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode UserTweets: %w", err)
	}

	tl := resp.Data.User.Result.TimelineV2
	if tl == nil {
		tl = resp.Data.User.Result.Timeline
	}
	if tl == nil {
		return nil, fmt.Errorf("UserTweets response has no timeline")
	}

	var threads []types.Thread
	for _, e := range addedEntries(tl.Timeline.Instructions) {
		switch entryType(e.EntryID) {
		case "tweet":
			if e.Content.ItemContent == nil {
				continue
			}
			if p, ok := toPost(e.Content.ItemContent.TweetResults.Result, owner); ok {
				threads = append(threads, types.Thread{p})
			}
		case "profile-conversation":
			var thread types.Thread
			for _, it := range e.Content.Items {
				if it.Item.ItemContent == nil {
					continue
				}
				r := unwrap(it.Item.ItemContent.TweetResults.Result)
				if !authoredBy(r, owner) {
					continue
				}
				if p, ok := toPost(r, owner); ok {
					thread = append(thread, p)
				}
			}
			if len(thread) > 0 {
				threads = append(threads, thread)
			}
		}
	}
	return threads, nil
}

// ParseTweetDetail extracts owner's self-thread from a TweetDetail response,
// in conversation order.
func ParseTweetDetail(body []byte, owner string) (types.Thread, error) {
	var resp tweetDetailResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode TweetDetail: %w", err)
	}

	var results []*tweetResult
	for _, e := range addedEntries(resp.Data.Conversation.Instructions) {
		switch entryType(e.EntryID) {
		case "tweet":
			if e.Content.ItemContent != nil {
				results = append(results, e.Content.ItemContent.TweetResults.Result)
			}
		case "conversationthread":
			for _, it := range e.Content.Items {
				if it.Item.ItemContent != nil {
					results = append(results, it.Item.ItemContent.TweetResults.Result)
				}
			}
		}
	}

	seen := make(map[string]bool)
	var thread types.Thread
	for _, r := range results {
		r = unwrap(r)
		if !authoredBy(r, owner) {
			continue
		}
		p, ok := toPost(r, owner)
		if !ok || seen[p.URL] {
			continue
		}
		seen[p.URL] = true
		thread = append(thread, p)
	}
	return thread, nil
}

// StatusURL returns the canonical URL of a post.
func StatusURL(user, id string) string {
	return "https://x.com/" + user + "/status/" + id
}

// CanonicalStatusURL rewrites twitter.com and mobile status links to the
// x.com form. Other URLs are returned unchanged.
func CanonicalStatusURL(u string) string {
	m := statusURLRe.FindStringSubmatch(u)
	if m == nil {
		return u
	}
	return StatusURL(m[1], m[2])
}

func addedEntries(instructions []instruction) []entry {
	var entries []entry
	for _, in := range instructions {
		if in.Type == "TimelineAddEntries" {
			entries = append(entries, in.Entries...)
		}
	}
	return entries
}

// entryType strips the trailing id: "tweet-123" -> "tweet"
func entryType(id string) string {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return id
	}
	return id[:i]
}

func unwrap(r *tweetResult) *tweetResult {
	if r != nil && r.Tweet != nil {
		return r.Tweet
	}
	return r
}

func screenName(r *tweetResult) string {
	u := r.Core.UserResults.Result
	if u.Core.ScreenName != "" {
		return u.Core.ScreenName
	}
	return u.Legacy.ScreenName
}

// authoredBy treats a missing author as owner's
func authoredBy(r *tweetResult, owner string) bool {
	if r == nil {
		return false
	}
	name := screenName(r)
	return name == "" || strings.EqualFold(name, owner)
}

func toPost(r *tweetResult, owner string) (types.Post, bool) {
	r = unwrap(r)
	if r == nil || r.RestID == "" {
		return types.Post{}, false
	}
	lg := r.Legacy

	var post types.Post
	if rt := lg.RetweetedStatusResult; rt != nil && rt.Result != nil {
		post = retweetPost(unwrap(rt.Result), r.RestID)
	} else {
		text := html.UnescapeString(lg.FullText)
		post = types.Post{
			Text:   text,
			Images: images(lg),
			URLs:   linkEntities(text, lg.Entities.URLs),
		}
	}

	post.URL = StatusURL(owner, r.RestID)
	if q := lg.QuotedStatusPermalink; q != nil && q.Expanded != "" {
		quote := CanonicalStatusURL(q.Expanded)
		post.Quote = &quote
	}
	post.Normalize()
	return post, true
}

// retweetPost renders a repost as a pointer to the original author and post
func retweetPost(orig *tweetResult, fallbackID string) types.Post {
	user := ""
	id := fallbackID
	if orig != nil {
		user = screenName(orig)
		if orig.RestID != "" {
			id = orig.RestID
		}
	}

	profile := "x.com/" + user
	status := profile + "/status/" + id

	const lead = "Retweet from "
	const middle = "\n\nOriginal Tweet: "
	text := lead + profile + middle + status

	profileStart := utf8.RuneCountInString(lead)
	profileEnd := profileStart + utf8.RuneCountInString(profile)
	statusStart := profileEnd + utf8.RuneCountInString(middle)
	statusEnd := statusStart + utf8.RuneCountInString(status)

	return types.Post{
		Text:      text,
		Retweeted: true,
		URLs: []types.Entity{
			{
				DisplayURL:  profile,
				ExpandedURL: "https://" + profile,
				URL:         "https://" + profile,
				Indices:     [2]int{profileStart, profileEnd},
			},
			{
				DisplayURL:  status,
				ExpandedURL: "https://" + status,
				URL:         "https://" + status,
				Indices:     [2]int{statusStart, statusEnd},
			},
		},
	}
}

// linkEntities locates every t.co link in the unescaped text. Links the
// response expands become link entities; the rest (media and quote links) are
// marked for removal. Offsets are found by search in the unescaped text; the
// response indices drift once entities like &amp; are decoded.
func linkEntities(text string, urls []urlEntity) []types.Entity {
	expanded := make(map[string]urlEntity, len(urls))
	for _, u := range urls {
		expanded[u.URL] = u
	}

	var out []types.Entity
	for _, loc := range shortLinkRe.FindAllStringIndex(text, -1) {
		short := text[loc[0]:loc[1]]
		start := utf8.RuneCountInString(text[:loc[0]])
		end := start + utf8.RuneCountInString(short)

		e := types.Entity{URL: short, Indices: [2]int{start, end}}
		if u, ok := expanded[short]; ok && u.ExpandedURL != "" {
			e.ExpandedURL = u.ExpandedURL
			e.DisplayURL = u.DisplayURL
		}
		out = append(out, e)
	}
	return out
}

// images returns photo URLs, substituting the best mp4 variant for videos
func images(lg legacyTweet) []string {
	media := lg.ExtendedEntities.Media
	if len(media) == 0 {
		media = lg.Entities.Media
	}

	out := make([]string, 0, len(media))
	for _, m := range media {
		if u := bestVariant(m); u != "" {
			out = append(out, u)
			continue
		}
		if m.MediaURLHTTPS != "" {
			out = append(out, m.MediaURLHTTPS)
		}
	}
	return out
}

func bestVariant(m mediaEntity) string {
	if m.VideoInfo == nil {
		return ""
	}
	best, rate := "", -1
	for _, v := range m.VideoInfo.Variants {
		if v.ContentType != "video/mp4" {
			continue
		}
		if v.Bitrate > rate {
			best, rate = v.URL, v.Bitrate
		}
	}
	return best
}
