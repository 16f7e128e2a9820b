// Package detector recognizes bot-challenge pages so the fetch executor can
// escalate them to a browser instead of accepting them as content.
package detector

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// DefaultMinPhraseMatches is how many independent challenge signals a body
// must contain before it counts as a challenge.
const DefaultMinPhraseMatches = 2

var challengeHosts = []string{
	"challenges.cloudflare.com",
	"captcha-delivery.com",
	"geo.captcha-delivery.com",
	"hcaptcha.com",
	"recaptcha.net",
	"perimeterx.net",
	"px-captcha.com",
	"sucuri.net",
	"incapsula.com",
}

// challengeSignals groups phrases that describe the same signal. A body
// scores one match per group, however many members it contains, so a single
// reCAPTCHA widget or vendor mention cannot reach the threshold alone.
var challengeSignals = [][][]byte{
	phrases("captcha"), // also covers hcaptcha and recaptcha
	phrases("cloudflare", "attention required", "just a moment"),
	phrases("checking your browser", "please enable javascript and cookies"),
	phrases("verify you are human", "verify you are a human", "are you a robot"),
	phrases("ddos protection"),
	phrases("access denied"),
	phrases("datadome"),
	phrases("perimeterx"),
	phrases("incapsula"),
	phrases("sucuri website firewall"),
	phrases("unusual traffic"),
}

// assetHosts are stripped before matching; ordinary pages load scripts and
// beacons from them.
var assetHosts = [][]byte{
	[]byte("cdnjs.cloudflare.com"),
	[]byte("cloudflareinsights.com"),
	[]byte("cdn.cloudflare.net"),
}

func phrases(ps ...string) [][]byte {
	out := make([][]byte, 0, len(ps))
	for _, p := range ps {
		out = append(out, []byte(p))
	}
	return out
}

var antiBotServers = []string{"cloudflare", "akamaighost", "ddos-guard", "sucuri", "datadome", "incapsula", "perimeterx"}

// Challenge is a rule-based bot-challenge detector.
type Challenge struct {
	MinPhraseMatches int
}

// NewChallenge creates a detector. minMatches <= 0 uses DefaultMinPhraseMatches.
func NewChallenge(minMatches int) *Challenge {
	if minMatches <= 0 {
		minMatches = DefaultMinPhraseMatches
	}
	return &Challenge{MinPhraseMatches: minMatches}
}

// Detect reports whether resp looks like a bot challenge. Any single signal is
// enough: a challenge-service final URL, enough distinct challenge phrases,
// or a 403 served by an anti-bot vendor.
func (c *Challenge) Detect(resp crawler.FetchResponse) crawler.ChallengeVerdict {
	if host := hostOf(resp.URL); host != "" {
		for _, ch := range challengeHosts {
			if host == ch || strings.HasSuffix(host, "."+ch) {
				return crawler.ChallengeVerdict{Challenged: true, Reason: "redirected to challenge host " + host}
			}
		}
	}

	if matches := countPhrases(resp.Body); matches >= c.MinPhraseMatches {
		return crawler.ChallengeVerdict{Challenged: true, Reason: "challenge phrases in body"}
	}

	if resp.StatusCode == 403 {
		server := strings.ToLower(resp.Headers.Get("Server"))
		for _, vendor := range antiBotServers {
			if strings.Contains(server, vendor) {
				return crawler.ChallengeVerdict{Challenged: true, Reason: "403 from anti-bot server " + vendor}
			}
		}
	}
	return crawler.ChallengeVerdict{}
}

// countPhrases counts the signal groups present in body.
func countPhrases(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	lower := bytes.ToLower(body)
	for _, host := range assetHosts {
		lower = bytes.ReplaceAll(lower, host, nil)
	}
	matches := 0
	for _, group := range challengeSignals {
		for _, phrase := range group {
			if bytes.Contains(lower, phrase) {
				matches++
				break
			}
		}
	}
	return matches
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
