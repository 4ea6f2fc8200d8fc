package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

// signatureHeader carries Twilio's request signature.
const signatureHeader = "X-Twilio-Signature"

// freeTunnelSuffixes are free-tier tunnel services whose proxies rewrite
// headers in ways that break signature reconstruction. They are only honored
// when the operator opts in to the tunnel bypass.
var freeTunnelSuffixes = []string{
	".ngrok-free.app",
	".trycloudflare.com",
	".loca.lt",
}

// VerifyWebhook authenticates the request against Twilio's signature scheme:
// HMAC-SHA1 over the exact public URL Twilio called plus the sorted POST
// parameters, keyed by the auth token, base64-encoded.
func (p *Provider) VerifyWebhook(_ context.Context, whctx *provider.WebhookContext) provider.VerifyResult {
	if p.cfg.SkipVerification {
		return provider.VerifyResult{OK: true, Reason: "verification disabled by operator"}
	}

	verificationURL := p.verificationURL(whctx)

	if p.cfg.AllowTunnelBypass && isFreeTunnelURL(verificationURL) {
		return provider.VerifyResult{
			OK:              true,
			Reason:          "tunnel bypass: free-tier tunnel proxies rewrite signature headers",
			VerificationURL: verificationURL,
		}
	}

	signature := whctx.Header(signatureHeader)
	if signature == "" {
		return provider.VerifyResult{
			OK:              false,
			Reason:          "missing " + signatureHeader + " header",
			VerificationURL: verificationURL,
		}
	}

	expected := computeSignature(p.cfg.AuthToken, verificationURL, whctx.Form)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return provider.VerifyResult{
			OK:              false,
			Reason:          "signature mismatch (check public_url against the URL configured at Twilio)",
			VerificationURL: verificationURL,
		}
	}

	return provider.VerifyResult{OK: true, VerificationURL: verificationURL}
}

// verificationURL reconstructs the public URL Twilio believes it called. An
// operator-configured public URL wins over anything derived from headers,
// which is the only reliable option behind reverse proxies and tunnels.
func (p *Provider) verificationURL(whctx *provider.WebhookContext) string {
	pathAndQuery := whctx.URL
	if u, err := url.Parse(whctx.URL); err == nil && u.Host != "" {
		pathAndQuery = u.RequestURI()
	}

	if p.cfg.PublicURL != "" {
		return strings.TrimRight(p.cfg.PublicURL, "/") + pathAndQuery
	}

	scheme := whctx.Header("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	host := whctx.Header("X-Forwarded-Host")
	if host == "" {
		host = whctx.Header("Host")
	}
	return scheme + "://" + host + pathAndQuery
}

// computeSignature implements Twilio's request validation algorithm: the URL
// concatenated with each POST parameter name and value in lexical order.
func computeSignature(authToken, verificationURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(verificationURL)

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func isFreeTunnelURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, suffix := range freeTunnelSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
