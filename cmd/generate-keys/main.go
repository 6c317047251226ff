//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command generate-keys outputs fresh secrets for a survey server config.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Signing Key:     %x\n", seed)
	fmt.Printf("Public Key:      %x\n", ed25519.NewKeyFromSeed(seed).Public())

	password := make([]byte, 24)
	if _, err := rand.Read(password); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Admin Password:  %s\n", base64.RawURLEncoding.EncodeToString(password))
}
