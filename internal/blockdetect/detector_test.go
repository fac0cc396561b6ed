package blockdetect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localscope/prospector/internal/crawl"
)

func TestCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		blocked bool
		reason  string
	}{
		{"clean 200", 200, "<html><body>Ace Plumbing, serving Portland</body></html>", false, ""},
		{"403 always blocks", 403, "", true, "forbidden"},
		{"429 always blocks", 429, "slow down", true, "rate limited"},
		{"captcha on 200", 200, "<html>Please solve this CAPTCHA to continue</html>", true, "captcha"},
		{"cloudflare challenge on 503", 503, "<html><title>Attention Required! | Cloudflare</title></html>", true, "challenge"},
		{"robot check", 200, "<p>Are you a robot?</p>", true, "robot"},
		{"plain 500 is not a block", 500, "internal server error", false, ""},
		{"marker deep in body ignored", 200, strings.Repeat("x", 5000) + " captcha", false, ""},
	}

	detector := New()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := detector.Check(crawl.FetchResponse{
				URL:        "https://example.com/",
				StatusCode: tc.status,
				Body:       []byte(tc.body),
			})
			if !tc.blocked {
				require.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			require.Contains(t, err.Reason, tc.reason)
			require.Equal(t, tc.status, err.StatusCode)
			require.Equal(t, crawl.ClassBlocked, crawl.Classify(err))
		})
	}
}
