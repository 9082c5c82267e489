package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mickaelvieira/octoauth-go-client/internal/secret"
)

func main() {
	verifier := flag.String("verifier", "", "Compute the challenges of an existing verifier instead of generating one")
	flag.Parse()

	v := *verifier
	if v == "" {
		var g secret.Generator
		var err error
		if v, err = g.NewVerifier(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	} else if err := secret.ValidateVerifier(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("CODE_VERIFIER='%s'\n", v)
	fmt.Printf("CODE_CHALLENGE='%s'\n", secret.CodeChallenge(v))
	fmt.Printf("CODE_CHALLENGE_RFC7636='%s'\n", secret.CanonicalCodeChallenge(v))
}
