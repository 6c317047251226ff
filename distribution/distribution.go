//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package distribution hands freshly issued token links to the batch
// operator for out-of-band delivery to respondents.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Delivery is the set of links of one batch. It is passed to a Sink exactly
// once and is not retained by the issuer afterwards.
type Delivery struct {
	BatchID  string
	SurveyID string
	Links    []string
}

// Sink delivers the links of a newly issued batch.
type Sink interface {
	Deliver(ctx context.Context, d *Delivery) error
}

// Links returns the respondent link for each secret, in order.
func Links(baseURL, surveyID string, secrets []string) []string {
	base := strings.TrimRight(baseURL, "/") + "/respond/" + url.PathEscape(surveyID) + "?t="
	out := make([]string, len(secrets))
	for i, secret := range secrets {
		out[i] = base + url.QueryEscape(secret)
	}
	return out
}

// SecretFromLink extracts the secret from a link produced by Links.
func SecretFromLink(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	secret := u.Query().Get("t")
	if secret == "" {
		return "", fmt.Errorf("link has no token parameter")
	}
	return secret, nil
}

// MultiSink delivers to every sink in order. A failing sink doesn't stop
// delivery to the others; their errors are joined.
type MultiSink []Sink

func (ms MultiSink) Deliver(ctx context.Context, d *Delivery) error {
	var errs []error
	for _, sink := range ms {
		if err := sink.Deliver(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errInvalidBatchID = errors.New("batch id is not usable as a file name")
