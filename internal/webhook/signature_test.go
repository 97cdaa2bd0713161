package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	sig := ComputeSignature(body, "topsecret")

	assert.True(t, VerifySignature(body, sig, "topsecret"))
	assert.False(t, VerifySignature(body, sig, "othersecret"), "wrong secret must fail")
	assert.False(t, VerifySignature([]byte(`{"object":"tampered"}`), sig, "topsecret"), "tampered body must fail")
}

func TestVerifySignatureMalformedHeaders(t *testing.T) {
	body := []byte(`{}`)
	for _, header := range []string{
		"",
		"sha256=",
		"sha256=zzzz-not-hex",
		"sha1=da39a3ee5e6b4b0d3255bfef95601890afd80709",
		ComputeSignature(body, "secret")[len("sha256="):], // missing prefix
	} {
		assert.False(t, VerifySignature(body, header, "secret"), "header %q must fail closed", header)
	}
}
