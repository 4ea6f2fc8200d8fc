package plivo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

const (
	signatureHeader = "X-Plivo-Signature-V2"
	nonceHeader     = "X-Plivo-Signature-V2-Nonce"
)

var freeTunnelSuffixes = []string{
	".ngrok-free.app",
	".trycloudflare.com",
	".loca.lt",
}

// VerifyWebhook authenticates the request against Plivo's V2 signature
// scheme: HMAC-SHA256 over the public callback URL concatenated with the
// per-request nonce, keyed by the auth token, base64-encoded.
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
	nonce := whctx.Header(nonceHeader)
	if signature == "" || nonce == "" {
		return provider.VerifyResult{
			OK:              false,
			Reason:          "missing " + signatureHeader + " or nonce header",
			VerificationURL: verificationURL,
		}
	}

	expected := computeSignature(p.cfg.AuthToken, verificationURL, nonce)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return provider.VerifyResult{
			OK:              false,
			Reason:          "signature mismatch (check public_url against the URL configured at Plivo)",
			VerificationURL: verificationURL,
		}
	}

	return provider.VerifyResult{OK: true, VerificationURL: verificationURL}
}

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

func computeSignature(authToken, verificationURL, nonce string) string {
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write([]byte(verificationURL + nonce))
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
