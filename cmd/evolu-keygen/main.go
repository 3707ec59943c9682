// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command evolu-keygen generates a fresh AppOwner secret and prints its
// derived id, write key, and BIP-39 mnemonic backup phrase, or
// reconstructs an AppOwner from an existing mnemonic.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/evoluhq/evolu-go/internal/owner"
)

func main() {
	var flagMnemonic string
	flag.StringVar(&flagMnemonic, "mnemonic", "", "reconstruct an owner from an existing BIP-39 `mnemonic` instead of generating a new one")
	flag.Parse()

	var app *owner.AppOwner
	var err error

	if flagMnemonic != "" {
		app, err = owner.AppOwnerFromMnemonic(owner.Mnemonic(flagMnemonic))
	} else {
		var secret [32]byte
		secret, err = owner.NewOwnerSecret()
		if err == nil {
			app, err = owner.NewAppOwner(secret)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}

	fmt.Printf("Owner ID:    %s\n", app.ID.String())
	fmt.Printf("Write Key:   %s\n", base64.StdEncoding.EncodeToString(app.WriteKey[:]))
	fmt.Printf("Enc Key:     %s\n", base64.StdEncoding.EncodeToString(app.EncryptionKey[:]))
	if app.Mnemonic != nil {
		fmt.Printf("Mnemonic:    %s\n", *app.Mnemonic)
	}
	fmt.Println("Keep the mnemonic secret: anyone who has it can decrypt and write as this owner.")
}
