package scraper

// X.com selectors and GraphQL operation names
// These are isolated here because X changes them frequently
// Update these when scraping breaks

const (
	// Profile page selectors
	PrimaryColumn = `[data-testid="primaryColumn"]`
	TweetArticle  = `article[data-testid="tweet"]`
	EmptyTimeline = `[data-testid="emptyState"]`

	// Login page indicators (for detecting auth state)
	HomeIndicator = `[data-testid="SideNav_NewTweet_Button"]`
	LoginForm     = `[data-testid="loginButton"]`
	LoginInput    = `input[name="text"]`
)

// GraphQL operations whose responses carry timeline data
const (
	OpUserTweets  = "UserTweets"
	OpTweetDetail = "TweetDetail"
)

// Common wait conditions
const (
	WaitForProfile = PrimaryColumn
	WaitForTweets  = TweetArticle
)
