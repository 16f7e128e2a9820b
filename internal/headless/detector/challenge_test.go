package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func TestChallenge_Detect_PhraseThreshold(t *testing.T) {
	t.Parallel()

	d := NewChallenge(0)
	resp := crawler.FetchResponse{
		URL:        "https://example.edu/",
		StatusCode: 200,
		Body:       []byte(`<html><title>Just a moment...</title><p>Checking your browser before accessing.</p></html>`),
	}
	verdict := d.Detect(resp)
	require.True(t, verdict.Challenged)
	require.NotEmpty(t, verdict.Reason)
}

func TestChallenge_Detect_SinglePhraseIsNotEnough(t *testing.T) {
	t.Parallel()

	d := NewChallenge(0)
	resp := crawler.FetchResponse{
		URL:        "https://example.edu/security",
		StatusCode: 200,
		Body:       []byte(`<p>Our forms use a captcha to stop spam.</p>`),
	}
	require.False(t, d.Detect(resp).Challenged)
}

func TestChallenge_Detect_ChallengeHost(t *testing.T) {
	t.Parallel()

	d := NewChallenge(0)
	resp := crawler.FetchResponse{
		URL:        "https://geo.captcha-delivery.com/captcha/?initialCid=abc",
		StatusCode: 200,
		Body:       []byte(`<html></html>`),
	}
	require.True(t, d.Detect(resp).Challenged)
}

func TestChallenge_Detect_ForbiddenFromAntiBotServer(t *testing.T) {
	t.Parallel()

	d := NewChallenge(0)
	headers := http.Header{}
	headers.Set("Server", "cloudflare")
	resp := crawler.FetchResponse{
		URL:        "https://example.edu/",
		StatusCode: 403,
		Headers:    headers,
		Body:       []byte(`forbidden`),
	}
	require.True(t, d.Detect(resp).Challenged)

	resp.StatusCode = 200
	require.False(t, d.Detect(resp).Challenged)
}

func TestChallenge_Detect_OrdinaryPage(t *testing.T) {
	t.Parallel()

	d := NewChallenge(3)
	resp := crawler.FetchResponse{
		URL:        "https://www.example.edu/admissions",
		StatusCode: 200,
		Body:       []byte(`<html><h1>Apply now</h1><p>Admissions office</p></html>`),
	}
	require.False(t, d.Detect(resp).Challenged)
}

func TestChallenge_Detect_CaptchaWidgetOnNormalPage(t *testing.T) {
	t.Parallel()

	d := NewChallenge(0)
	for _, widget := range []string{
		`<script src="https://www.google.com/recaptcha/api.js"></script><small>This site is protected by reCAPTCHA.</small>`,
		`<div class="h-captcha" data-sitekey="x"></div><small>Protected by hCaptcha.</small>`,
	} {
		resp := crawler.FetchResponse{
			URL:        "https://example.edu/admissions/contact",
			StatusCode: 200,
			Body: []byte(`<html><h1>Contact Admissions</h1><p>Send us a question.</p>` +
				widget + `</html>`),
		}
		require.Equal(t, 1, countPhrases(resp.Body), widget)
		require.False(t, d.Detect(resp).Challenged, widget)
	}
}

func TestChallenge_Detect_CloudflareAssetsAreNotSignals(t *testing.T) {
	t.Parallel()

	d := NewChallenge(0)
	resp := crawler.FetchResponse{
		URL:        "https://example.edu/research",
		StatusCode: 200,
		Body: []byte(`<html><script src="https://cdnjs.cloudflare.com/ajax/libs/jquery.min.js"></script>` +
			`<script src="https://static.cloudflareinsights.com/beacon.min.js"></script>` +
			`<form><div class="g-recaptcha"></div></form></html>`),
	}
	require.False(t, d.Detect(resp).Challenged)
}
