// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package siweprovider_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/provider/providertest"
	"github.com/stacklok/idkit/pkg/provider/siweprovider"
)

const (
	domain  = "example.com"
	uri     = "https://example.com/login"
	address = "0x1234567890abcdef1234567890abcdef12345678"
)

// fakeVerifier accepts or rejects every signature.
type fakeVerifier struct {
	valid bool
	err   error

	lastMessage []byte
	lastAddress string
}

func (v *fakeVerifier) Verify(_ context.Context, message, _ []byte, addr string) (bool, error) {
	v.lastMessage = message
	v.lastAddress = addr
	return v.valid, v.err
}

func newHarness(t *testing.T, verifier siweprovider.SignatureVerifier) *providertest.Harness {
	t.Helper()
	p, err := siweprovider.New(siweprovider.Config{
		Domain:   domain,
		URI:      uri,
		Verifier: verifier,
	})
	require.NoError(t, err)
	return providertest.Mount(t, "wallet", p)
}

func fetchNonce(t *testing.T, h *providertest.Harness) string {
	t.Helper()
	resp, err := http.Get(h.URL + "/challenge")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Nonce)
	return body.Nonce
}

// messageFields parameterize buildMessage so tests can corrupt one field
// at a time.
type messageFields struct {
	domain  string
	address string
	uri     string
	version string
	chainID string
	nonce   string
}

func fields(nonce string) messageFields {
	return messageFields{
		domain:  domain,
		address: address,
		uri:     uri,
		version: "1",
		chainID: "1",
		nonce:   nonce,
	}
}

func buildMessage(f messageFields) string {
	return fmt.Sprintf(`%s wants you to sign in with your Ethereum account:
%s

Sign in to Example.

URI: %s
Version: %s
Chain ID: %s
Nonce: %s
Issued At: 2026-08-26T10:00:00Z`,
		f.domain, f.address, f.uri, f.version, f.chainID, f.nonce)
}

func postVerify(t *testing.T, h *providertest.Harness, message, signature string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"message":   message,
		"signature": signature,
	})
	require.NoError(t, err)
	resp, err := http.Post(h.URL+"/verify", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := siweprovider.New(siweprovider.Config{Domain: domain, URI: uri})
	assert.Error(t, err)
	_, err = siweprovider.New(siweprovider.Config{URI: uri, Verifier: &fakeVerifier{}})
	assert.Error(t, err)
}

func TestSignInAccepted(t *testing.T) {
	t.Parallel()
	verifier := &fakeVerifier{valid: true}
	h := newHarness(t, verifier)

	nonce := fetchNonce(t, h)
	message := buildMessage(fields(nonce))
	resp := postVerify(t, h, message, "0xdeadbeef")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	result, ok := h.Recorder.Success()
	require.True(t, ok)
	assert.Equal(t, siweprovider.Payload{Address: address, ChainID: "1"}, result.Payload)

	// The verifier saw the message and the claimed address.
	assert.Equal(t, []byte(message), verifier.lastMessage)
	assert.Equal(t, address, verifier.lastAddress)

	// The nonce is single use.
	h.Recorder.Reset()
	resp = postVerify(t, h, message, "0xdeadbeef")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrailingSlashURIMatches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeVerifier{valid: true})

	f := fields(fetchNonce(t, h))
	f.uri = uri + "/"
	resp := postVerify(t, h, buildMessage(f), "0xdeadbeef")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSignInRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeVerifier{valid: true})

	tests := []struct {
		name   string
		mutate func(*messageFields)
	}{
		{"wrong domain", func(f *messageFields) { f.domain = "evil.com" }},
		{"wrong URI", func(f *messageFields) { f.uri = "https://evil.com/login" }},
		{"unsupported version", func(f *messageFields) { f.version = "2" }},
		{"stale nonce", func(f *messageFields) { f.nonce = "deadbeefdeadbeef" }},
		{"short address", func(f *messageFields) { f.address = "0x1234" }},
		{"no hex prefix", func(f *messageFields) { f.address = strings.Repeat("a", 42) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fields(fetchNonce(t, h))
			tt.mutate(&f)

			resp := postVerify(t, h, buildMessage(f), "0xdeadbeef")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			_, ok := h.Recorder.Success()
			assert.False(t, ok)
		})
	}

	t.Run("garbage message", func(t *testing.T) {
		fetchNonce(t, h)
		resp := postVerify(t, h, "not a siwe message", "0xdeadbeef")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed signature hex", func(t *testing.T) {
		f := fields(fetchNonce(t, h))
		resp := postVerify(t, h, buildMessage(f), "0xZZZZ")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSignatureRejectedByVerifier(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeVerifier{valid: false})

	f := fields(fetchNonce(t, h))
	resp := postVerify(t, h, buildMessage(f), "0xdeadbeef")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, ok := h.Recorder.Success()
	assert.False(t, ok)
}

func TestVerifyWithoutChallenge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeVerifier{valid: true})

	resp := postVerify(t, h, buildMessage(fields("whatever")), "0xdeadbeef")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Error(t, h.Recorder.Err())
}
