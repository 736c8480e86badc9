// Package tracking builds the signed URLs embedded in outgoing mail: click
// redirects, the unsubscribe link and the open pixel.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// Builder signs tracking payloads with an HMAC secret.
type Builder struct {
	baseURL string
	secret  []byte
}

func NewBuilder(baseURL, secret string) *Builder {
	return &Builder{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

func (b *Builder) sign(data string) string {
	h := hmac.New(sha256.New, b.secret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Verify checks a signature produced for the encoded payload.
func (b *Builder) Verify(encoded, sig string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	data := string(raw)
	return data, hmac.Equal([]byte(b.sign(data)), []byte(sig))
}

func (b *Builder) url(kind, data string) string {
	return fmt.Sprintf("%s/t/%s/%s/%s", b.baseURL, kind, base64.RawURLEncoding.EncodeToString([]byte(data)), b.sign(data))
}

func deliveryKey(deliveryID int64) string {
	return strconv.FormatInt(deliveryID, 10)
}

// UnsubscribeURL returns the one-click unsubscribe link for a delivery.
func (b *Builder) UnsubscribeURL(deliveryID int64) string {
	return b.url("unsubscribe", deliveryKey(deliveryID))
}

// ClickURL returns the redirect URL recording a click on target.
func (b *Builder) ClickURL(deliveryID int64, target string) string {
	return b.url("click", deliveryKey(deliveryID)+"|"+target)
}

// Pixel returns the open-tracking image tag.
func (b *Builder) Pixel(deliveryID int64) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		b.url("open", deliveryKey(deliveryID)))
}

// RewriteLinks points every absolute http(s) href through the click redirect.
// Links already pointing at the tracking host are left alone.
func (b *Builder) RewriteLinks(deliveryID int64, html string) string {
	return linkRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		target := parts[1]
		if b.baseURL != "" && strings.HasPrefix(target, b.baseURL+"/t/") {
			return match
		}
		return fmt.Sprintf(`href="%s"`, b.ClickURL(deliveryID, target))
	})
}

// InsertBeforeBody places snippet right before the closing body tag, or
// appends it when there is none. The match is case-insensitive.
func InsertBeforeBody(html, snippet string) string {
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + snippet + html[idx:]
	}
	return html + snippet
}
