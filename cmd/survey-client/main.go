//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command survey-client is an example client used for interacting with a
// survey server: issuing batches, submitting responses with a token link and
// auditing a token's inclusion in its batch.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"golang.org/x/text/message"

	"github.com/signalapp/surveytokens/tokens"
)

var (
	p = message.NewPrinter(message.MatchLanguage("en"))

	serverAddr = flag.String("addr", "http://localhost:8080", "Address of the survey server.")
	adminUser  = flag.String("user", "", "Admin username, for admin operations.")
	timeout    = flag.Duration("timeout", 30*time.Second, "Request timeout.")
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC)
	flag.Parse()

	c := newClient(*serverAddr, *timeout)
	if *adminUser != "" {
		c.setAdmin(*adminUser, os.Getenv("SURVEY_ADMIN_PASSWORD"))
	}

	switch flag.Arg(0) {
	case "create-survey":
		requireArgs("create-survey <survey.json>", 1)
		var ns tokens.NewSurvey
		readJSON(flag.Arg(1), &ns)
		survey, err := c.createSurvey(&ns)
		checkErr("create survey request", err)
		printSurvey(survey)
	case "list-surveys":
		surveys, err := c.listSurveys()
		checkErr("list surveys request", err)
		for _, survey := range surveys {
			printSurvey(survey)
		}
	case "add-question":
		requireArgs("add-question <survey id> <question.json>", 2)
		var nq tokens.NewQuestion
		readJSON(flag.Arg(2), &nq)
		q, err := c.addQuestion(flag.Arg(1), &nq)
		checkErr("add question request", err)
		p.Printf("Question %v added at position %d.\n", q.ID, q.Order)
	case "issue":
		requireArgs("issue <survey id> <size>", 2)
		size, err := strconv.Atoi(flag.Arg(2))
		checkErr("parsing batch size", err)
		res, err := c.issueBatch(flag.Arg(1), size)
		checkErr("issue request", err)
		printIssued(res)
	case "revoke":
		requireArgs("revoke <batch id> <token hash or link>", 2)
		checkErr("revoke request", c.revoke(flag.Arg(1), tokenHashArg(flag.Arg(2))))
		p.Println("Token revoked.")
	case "submit":
		requireArgs("submit <link> <answers.json>", 2)
		handleSubmit(c, flag.Arg(1), flag.Arg(2))
	case "verify":
		requireArgs("verify <batch id> <token hash or link>", 2)
		res, err := c.verify(flag.Arg(1), tokenHashArg(flag.Arg(2)))
		checkErr("verify request", err)
		printVerifyResult(res)
	case "verify-offline":
		requireArgs("verify-offline <batch id> <token hash or link>", 2)
		handleVerifyOffline(c, flag.Arg(1), tokenHashArg(flag.Arg(2)))
	default:
		log.Fatal("Unexpected operation requested. Allowed arguments: \n- create-survey" +
			"\n- list-surveys\n- add-question\n- issue\n- revoke\n- submit\n- verify\n- verify-offline")
	}
}

func requireArgs(usage string, n int) {
	if flag.NArg() < n+1 {
		log.Fatalf("Usage: survey-client [-addr url] [-user name] %s", usage)
	}
}

func readJSON(path string, out any) {
	raw, err := os.ReadFile(path)
	checkErr("reading "+path, err)
	checkErr("parsing "+path, json.Unmarshal(raw, out))
}

func checkErr(msg string, err error) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}
