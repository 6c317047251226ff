//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/distribution"
	"github.com/signalapp/surveytokens/tokens"
	"github.com/signalapp/surveytokens/tree/merkle"
)

// tokenHashArg accepts either a token hash or a respondent link, in which
// case the hash is computed locally from the link's secret.
func tokenHashArg(arg string) string {
	if !strings.Contains(arg, "://") {
		return strings.ToLower(arg)
	}
	hash, err := hashFromLink(arg)
	checkErr("parsing link", err)
	return hash
}

func hashFromLink(link string) (string, error) {
	raw, err := distribution.SecretFromLink(link)
	if err != nil {
		return "", err
	}
	secret, err := tokens.ParseSecret(raw)
	if err != nil {
		return "", err
	}
	return secret.Hash().String(), nil
}

// surveyFromLink returns the survey id in a link of the form
// <base>/respond/<survey id>?t=<secret>.
func surveyFromLink(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	i := strings.LastIndex(u.Path, "/respond/")
	if i < 0 {
		return "", errors.New("link does not point to a survey")
	}
	id, err := url.PathUnescape(u.Path[i+len("/respond/"):])
	if err != nil {
		return "", err
	} else if id == "" || strings.Contains(id, "/") {
		return "", errors.New("link does not point to a survey")
	}
	return id, nil
}

// handleSubmit answers a survey with the token in link. Only the token hash is
// sent to the server.
func handleSubmit(c *client, link, answersFile string) {
	surveyID, err := surveyFromLink(link)
	checkErr("parsing link", err)
	tokenHash, err := hashFromLink(link)
	checkErr("parsing link", err)

	survey, err := c.surveyForRespondent(surveyID)
	checkErr("survey request", err)
	printSurvey(survey)

	var answers []*db.Answer
	readJSON(answersFile, &answers)

	receipt, err := c.submit(&submitRequest{SurveyID: surveyID, TokenHash: tokenHash, Answers: answers})
	checkErr("submit request", err)
	p.Printf("Response accepted: %v (submitted during the hour of %v)\n", receipt.ResponseID, receipt.SubmittedAtBucket.Format(time.RFC3339))
}

type auditReport struct {
	Position       int
	Included       bool
	RootRecomputed bool
	Signed         bool
	Consumed       bool
	Revoked        bool
}

var errTokenNotInBatch = errors.New("token is not in batch")

// auditBatch checks a token against a batch using only published data: the
// token's proof must lead to the batch root, the root must be the one built
// from every token hash in the batch, and the batch commitment must carry a
// valid signature when a public key is known.
func auditBatch(detail *tokens.BatchDetail, pub ed25519.PublicKey, tokenHash string) (*auditReport, error) {
	leaves := make([]merkle.Hash, len(detail.Tokens))
	var found *tokens.TokenStatus
	for i, token := range detail.Tokens {
		if token.Position != i {
			return nil, fmt.Errorf("token at index %d has position %d", i, token.Position)
		}
		leaf, err := merkle.ParseHash(token.TokenHash)
		if err != nil {
			return nil, fmt.Errorf("token at position %d: %w", i, err)
		}
		leaves[i] = leaf
		if found == nil && token.TokenHash == tokenHash {
			found = token
		}
	}
	if found == nil {
		return nil, errTokenNotInBatch
	}

	report := &auditReport{
		Position:       found.Position,
		Included:       found.Proof != nil && merkle.VerifyHex(tokenHash, found.Proof, detail.Batch.MerkleRoot),
		RootRecomputed: len(leaves) == detail.Batch.Size && merkle.Build(leaves).Root().String() == detail.Batch.MerkleRoot,
		Consumed:       found.ConsumedAt != nil,
		Revoked:        found.Revoked,
	}
	if pub != nil {
		if err := tokens.VerifyBatchSignature(pub, detail.Batch); err != nil {
			return nil, err
		}
		report.Signed = true
	}
	return report, nil
}

func handleVerifyOffline(c *client, batchID, tokenHash string) {
	detail, err := c.batchDetail(batchID)
	checkErr("batch request", err)

	var pub ed25519.PublicKey
	if key, err := c.publicKey(); err != nil {
		log.Printf("no public key available, skipping signature check: %v", err)
	} else {
		raw, err := hex.DecodeString(key)
		checkErr("decoding public key", err)
		pub = raw
	}

	report, err := auditBatch(detail, pub, tokenHash)
	checkErr("auditing batch", err)

	p.Printf("Batch %v (%d tokens)\n", detail.Batch.ID, detail.Batch.Size)
	p.Printf("  Merkle Root: %v\n", detail.Batch.MerkleRoot)
	p.Printf("  Root Recomputed From Tokens: %v\n", report.RootRecomputed)
	p.Printf("  Signature Valid: %v\n", report.Signed)
	p.Printf("Token at position %d\n", report.Position)
	p.Printf("  Inclusion Proof Valid: %v\n", report.Included)
	p.Printf("  Consumed: %v\n", report.Consumed)
	p.Printf("  Revoked: %v\n", report.Revoked)
}

func printSurvey(survey *db.Survey) {
	p.Printf("Survey %v: %v (%v)\n", survey.ID, survey.Title, survey.Status)
	for _, q := range survey.Questions {
		required := ""
		if q.Required {
			required = " *"
		}
		p.Printf("  %d. [%v] %v%v\n", q.Order, q.ID, q.Prompt, required)
		for _, option := range q.Options {
			p.Printf("     - %v\n", option)
		}
	}
	p.Println()
}

func printIssued(res *issueResponse) {
	p.Printf("Batch %v issued for survey %v\n", res.ID, res.SurveyID)
	p.Printf("  Size: %d\n", res.Size)
	p.Printf("  Merkle Root: %v\n", res.MerkleRoot)
	p.Printf("  Signature: %x\n", res.Signature)
	if res.DeliveryError != "" {
		p.Printf("  Delivery Failed: %v\n", res.DeliveryError)
	}
	if len(res.Links) > 0 {
		p.Printf("Links (shown once, store them now):\n")
		for _, link := range res.Links {
			p.Println(link)
		}
	}
}

func printVerifyResult(res *tokens.VerifyResult) {
	if res.Reason != "" {
		p.Printf("Not verified: %v\n", res.Reason)
		return
	}
	p.Printf("Included: %v\n", res.OK)
	p.Printf("Expected Root: %v\n", res.ExpectedRoot)
}
