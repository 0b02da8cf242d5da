// Package telephony holds the carrier-specific slivers treated as external
// interface only: verifying that an inbound webhook really came from the
// carrier, and rendering the one TwiML document that connects a call to
// the media stream. The carrier's REST API for placing/hanging up calls
// and status callbacks lives outside this system entirely; this package
// exists so the HTTP admin surface has something to call for the inbound
// leg.
package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hvac-dispatch/callvox/internal/domain"
)

// VerifySignature validates the X-Twilio-Signature header against the
// full callback URL and form body. Twilio's algorithm is fixed at
// HMAC-SHA1 over the webhook's authToken, which is why this uses
// crypto/hmac directly rather than the AEAD primitives
// internal/infra/config already wires golang.org/x/crypto/argon2+AES
// for — the two are unrelated concerns (webhook authenticity vs.
// secrets-at-rest).
func VerifySignature(authToken, fullURL string, body []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return domain.NewSubSystemError("telephony", "VerifySignature", domain.ErrInvalidInput, "missing signature header")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureHeader)
	if err != nil {
		return domain.NewSubSystemError("telephony", "VerifySignature", domain.ErrInvalidInput, "invalid signature encoding")
	}

	if !hmac.Equal(sigBytes, computeSignature(authToken, fullURL, body)) {
		return domain.NewSubSystemError("telephony", "VerifySignature", domain.ErrInvalidInput, "signature mismatch")
	}
	return nil
}

// computeSignature builds the URL + sorted-form-pairs string Twilio signs
// and returns its HMAC-SHA1 digest.
func computeSignature(authToken, fullURL string, body []byte) []byte {
	values, _ := url.ParseQuery(string(body))

	data := fullURL
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range values[k] {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// ConnectStreamTwiML renders the one TwiML document this system needs: a
// bidirectional media stream connection, so every subsequent audio frame
// flows over the WebSocket the Transport accepts instead of Twilio's
// call-control REST API.
func ConnectStreamTwiML(streamURL string) string {
	streamURL = strings.Replace(streamURL, "https://", "wss://", 1)
	streamURL = strings.Replace(streamURL, "http://", "ws://", 1)
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s" /></Connect></Response>`,
		xmlEscape(streamURL),
	)
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
