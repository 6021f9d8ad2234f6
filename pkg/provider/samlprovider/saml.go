// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package samlprovider implements SP-initiated SAML 2.0 web-browser SSO
// with the HTTP-Redirect binding outbound and HTTP-POST inbound. XML
// signature validation is delegated to a caller-supplied validator so the
// trust anchor (IdP metadata, certificate pinning) stays outside this
// package.
package samlprovider

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/idkit/pkg/provider"
)

const conversationTTL = 10 * time.Minute

// AssertionValidator checks the XML signature and conditions (audience,
// validity window) of a decoded SAML response document.
type AssertionValidator interface {
	Validate(ctx context.Context, responseXML []byte) error
}

// Config configures the provider.
type Config struct {
	// SSOURL is the IdP's sign-on endpoint for the redirect binding.
	// Required.
	SSOURL string

	// EntityID identifies this service provider to the IdP. Required.
	EntityID string

	// Validator checks response signatures. Required.
	Validator AssertionValidator
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	NameID     string
	Attributes map[string][]string
}

// Provider implements the SAML provider.
type Provider struct {
	cfg Config
}

// New creates a SAML provider.
func New(cfg Config) (*Provider, error) {
	if cfg.SSOURL == "" || cfg.EntityID == "" {
		return nil, fmt.Errorf("SSO URL and entity ID are required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("an assertion validator is required")
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "saml"
}

type flowState struct {
	RelayState string `json:"relayState"`
	RequestID  string `json:"requestID"`
}

// buildAuthnRequest produces the deflated, base64-encoded AuthnRequest
// for the redirect binding.
func (p *Provider) buildAuthnRequest(requestID, acsURL string) (string, error) {
	doc := etree.NewDocument()
	req := doc.CreateElement("samlp:AuthnRequest")
	req.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	req.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	req.CreateAttr("ID", requestID)
	req.CreateAttr("Version", "2.0")
	req.CreateAttr("IssueInstant", time.Now().UTC().Format(time.RFC3339))
	req.CreateAttr("Destination", p.cfg.SSOURL)
	req.CreateAttr("AssertionConsumerServiceURL", acsURL)
	req.CreateAttr("ProtocolBinding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
	issuer := req.CreateElement("saml:Issuer")
	issuer.SetText(p.cfg.EntityID)

	xml, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("failed to serialize AuthnRequest: %w", err)
	}

	var deflated bytes.Buffer
	writer, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := writer.Write(xml); err != nil {
		return "", fmt.Errorf("failed to deflate AuthnRequest: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to deflate AuthnRequest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(deflated.Bytes()), nil
}

// findFirst walks the document for the first element with the given local
// name, ignoring namespace prefixes, which vary per IdP.
func findFirst(el *etree.Element, localName string) *etree.Element {
	if el.Tag == localName {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findFirst(child, localName); found != nil {
			return found
		}
	}
	return nil
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, ctx *provider.Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		state := flowState{
			RelayState: uuid.NewString(),
			RequestID:  "_" + uuid.NewString(),
		}
		if err := ctx.Set(req, "saml", conversationTTL, state); err != nil {
			ctx.Error(w, req, err)
			return
		}

		authnRequest, err := p.buildAuthnRequest(state.RequestID, ctx.URL()+"/callback")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}

		target, err := url.Parse(p.cfg.SSOURL)
		if err != nil {
			ctx.Error(w, req, fmt.Errorf("invalid SSO URL: %w", err))
			return
		}
		query := target.Query()
		query.Set("SAMLRequest", authnRequest)
		query.Set("RelayState", state.RelayState)
		target.RawQuery = query.Encode()
		http.Redirect(w, req, target.String(), http.StatusFound)
	})

	r.Post("/callback", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed form: %w", err))
			return
		}

		state, ok, err := provider.Get[flowState](ctx, req, "saml")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if !ok {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}
		relayState := req.PostForm.Get("RelayState")
		if subtle.ConstantTimeCompare([]byte(relayState), []byte(state.RelayState)) != 1 {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}
		_ = ctx.Unset(req, "saml")

		responseXML, err := base64.StdEncoding.DecodeString(req.PostForm.Get("SAMLResponse"))
		if err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed SAMLResponse: %w", err))
			return
		}
		if err := p.cfg.Validator.Validate(req.Context(), responseXML); err != nil {
			ctx.Error(w, req, fmt.Errorf("assertion rejected: %w", err))
			return
		}

		payload, err := p.parseResponse(responseXML, state.RequestID)
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		ctx.Success(w, req, *payload)
	})

	return nil
}

// parseResponse extracts the subject and attributes from a validated
// response.
func (p *Provider) parseResponse(responseXML []byte, requestID string) (*Payload, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(responseXML); err != nil {
		return nil, fmt.Errorf("failed to parse SAMLResponse: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty SAMLResponse")
	}

	if inResponseTo := root.SelectAttrValue("InResponseTo", ""); inResponseTo != "" && inResponseTo != requestID {
		return nil, fmt.Errorf("response does not match the pending request")
	}

	statusCode := findFirst(root, "StatusCode")
	if statusCode == nil || !strings.HasSuffix(statusCode.SelectAttrValue("Value", ""), ":Success") {
		return nil, fmt.Errorf("identity provider reported failure")
	}

	assertion := findFirst(root, "Assertion")
	if assertion == nil {
		return nil, fmt.Errorf("response carries no assertion")
	}
	nameID := findFirst(assertion, "NameID")
	if nameID == nil || nameID.Text() == "" {
		return nil, fmt.Errorf("assertion carries no NameID")
	}

	attributes := map[string][]string{}
	if statement := findFirst(assertion, "AttributeStatement"); statement != nil {
		for _, attr := range statement.ChildElements() {
			if attr.Tag != "Attribute" {
				continue
			}
			name := attr.SelectAttrValue("Name", "")
			if name == "" {
				continue
			}
			for _, value := range attr.ChildElements() {
				if value.Tag == "AttributeValue" {
					attributes[name] = append(attributes[name], value.Text())
				}
			}
		}
	}

	return &Payload{NameID: nameID.Text(), Attributes: attributes}, nil
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
