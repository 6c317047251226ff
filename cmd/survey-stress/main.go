//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command survey-stress is a tool for stress testing token redemption on a
// survey server. Every token of a fresh batch is submitted concurrently by
// several threads, and exactly one submission per token must succeed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/message"
)

var (
	p = message.NewPrinter(message.MatchLanguage("en"))

	serverAddr = flag.String("addr", "http://localhost:8080", "Address of survey server.")
	adminUser  = flag.String("user", "", "Admin username. The password is read from SURVEY_ADMIN_PASSWORD.")
	surveyID   = flag.String("survey", "", "Survey to issue the batch for.")
	questionID = flag.String("question", "", "Question to answer in every submission.")
	answer     = flag.String("answer", `"stress"`, "JSON value of the answer.")
	size       = flag.Int("size", 1000, "Number of tokens to issue.")
	threads    = flag.Int("threads", 4, "Number of concurrent submissions per token.")
)

var (
	TotalTime        int64
	TotalSubmissions int64
	Accepted         int64
	Rejected         int64
)

type issueResponse struct {
	ID    string   `json:"id"`
	Links []string `json:"links"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC)
	flag.Parse()
	if *surveyID == "" || *questionID == "" || *adminUser == "" {
		log.Fatal("Usage: survey-stress -user name -survey id -question id [-size n] [-threads n]")
	} else if !json.Valid([]byte(*answer)) {
		log.Fatal("answer must be valid JSON")
	}

	client := resty.New().SetBaseURL(*serverAddr)

	var batch issueResponse
	res, err := client.R().
		SetBasicAuth(*adminUser, os.Getenv("SURVEY_ADMIN_PASSWORD")).
		SetBody(map[string]int{"size": *size}).
		SetResult(&batch).
		Post("/admin/surveys/" + url.PathEscape(*surveyID) + "/batches")
	if err != nil {
		log.Fatalf("Error issuing batch: %v", err)
	} else if res.IsError() {
		log.Fatalf("Error issuing batch: %v %s", res.Status(), res.Body())
	} else if len(batch.Links) != *size {
		log.Fatalf("Server returned %d links, the batch must be issued without a distribution sink", len(batch.Links))
	}
	p.Printf("Issued batch %v with %d tokens.\n", batch.ID, *size)

	start := time.Now()
	for _, link := range batch.Links {
		secret, err := url.QueryUnescape(link[strings.LastIndex(link, "?t=")+3:])
		if err != nil {
			log.Fatalf("Malformed link %q: %v", link, err)
		}
		g, ctx := errgroup.WithContext(context.Background())
		for i := 0; i < *threads; i++ {
			g.Go(func() error { return submit(ctx, client, secret) })
		}
		if err := g.Wait(); err != nil {
			log.Fatalf("Error executing request: %v", err)
		}
	}

	dur := time.Since(start)
	latency := atomic.LoadInt64(&TotalTime)
	submissions := atomic.LoadInt64(&TotalSubmissions)
	accepted := atomic.LoadInt64(&Accepted)

	p.Println()
	p.Println("Report:")
	p.Printf("  Duration: %v\n", dur.Round(time.Second))
	p.Printf("  Threads: %v\n", *threads)
	p.Printf("  Total submissions: %d\n", submissions)
	p.Printf("    Accepted: %d\n", accepted)
	p.Printf("    Rejected as consumed: %d\n", atomic.LoadInt64(&Rejected))
	p.Printf("    Throughput: %.0f op/s\n", float64(submissions)/dur.Seconds())
	p.Printf("    Latency: %.0f us/op\n", float64(latency)/float64(submissions))
	if accepted != int64(*size) {
		log.Fatalf("%d tokens were accepted, expected exactly %d", accepted, *size)
	}
}

func submit(ctx context.Context, client *resty.Client, secret string) error {
	start := time.Now()
	res, err := client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"surveyId": *surveyID,
			"token":    secret,
			"answers":  []map[string]any{{"questionId": *questionID, "value": json.RawMessage(*answer)}},
		}).
		Post("/respond/submit")
	if err != nil {
		return err
	}
	atomic.AddInt64(&TotalTime, time.Since(start).Microseconds())
	atomic.AddInt64(&TotalSubmissions, 1)

	switch res.StatusCode() {
	case http.StatusCreated:
		atomic.AddInt64(&Accepted, 1)
	case http.StatusConflict:
		atomic.AddInt64(&Rejected, 1)
	default:
		log.Fatalf("Unexpected response: %v %s", res.Status(), res.Body())
	}
	return nil
}
