//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/tokens"
)

type apiError struct {
	Message string `json:"error"`
}

type issueResponse struct {
	db.Batch
	Links         []string `json:"links"`
	DeliveryError string   `json:"deliveryError"`
}

type submitRequest struct {
	SurveyID  string       `json:"surveyId"`
	TokenHash string       `json:"tokenHash"`
	Answers   []*db.Answer `json:"answers"`
}

// client talks to the JSON API of a survey server.
type client struct {
	http *resty.Client
}

func newClient(addr string, timeout time.Duration) *client {
	return &client{http: resty.New().SetBaseURL(addr).SetTimeout(timeout)}
}

func (c *client) setAdmin(user, password string) {
	c.http.SetBasicAuth(user, password)
}

// do sends a request and decodes a successful response into out.
func (c *client) do(method, path string, body, out any) error {
	req := c.http.R().SetError(&apiError{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		return err
	} else if res.IsError() {
		if e, ok := res.Error().(*apiError); ok && e.Message != "" {
			return fmt.Errorf("%v: %v", res.Status(), e.Message)
		}
		return fmt.Errorf("%v", res.Status())
	}
	return nil
}

func (c *client) createSurvey(ns *tokens.NewSurvey) (*db.Survey, error) {
	var out db.Survey
	if err := c.do("POST", "/admin/surveys", ns, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) listSurveys() ([]*db.Survey, error) {
	var out struct {
		Surveys []*db.Survey `json:"surveys"`
	}
	if err := c.do("GET", "/admin/surveys", nil, &out); err != nil {
		return nil, err
	}
	return out.Surveys, nil
}

func (c *client) addQuestion(surveyID string, nq *tokens.NewQuestion) (*db.Question, error) {
	var out db.Question
	path := "/admin/surveys/" + url.PathEscape(surveyID) + "/questions"
	if err := c.do("POST", path, nq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) issueBatch(surveyID string, size int) (*issueResponse, error) {
	var out issueResponse
	path := "/admin/surveys/" + url.PathEscape(surveyID) + "/batches"
	if err := c.do("POST", path, map[string]int{"size": size}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) revoke(batchID, tokenHash string) error {
	path := fmt.Sprintf("/admin/batches/%s/tokens/%s/revoke", url.PathEscape(batchID), url.PathEscape(tokenHash))
	return c.do("POST", path, nil, nil)
}

func (c *client) surveyForRespondent(surveyID string) (*db.Survey, error) {
	var out db.Survey
	if err := c.do("GET", "/respond/surveys/"+url.PathEscape(surveyID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) submit(req *submitRequest) (*tokens.Receipt, error) {
	var out tokens.Receipt
	if err := c.do("POST", "/respond/submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) verify(batchID, tokenHash string) (*tokens.VerifyResult, error) {
	var out tokens.VerifyResult
	path := "/audit/verify?" + url.Values{"batchId": {batchID}, "tokenHash": {tokenHash}}.Encode()
	if err := c.do("GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) batchDetail(batchID string) (*tokens.BatchDetail, error) {
	var out tokens.BatchDetail
	if err := c.do("GET", "/audit/batches/"+url.PathEscape(batchID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) publicKey() (string, error) {
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.do("GET", "/audit/key", nil, &out); err != nil {
		return "", err
	}
	return out.PublicKey, nil
}
