package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/multiflowproxy/multiflow/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "multiflow: warning: failed to load .env: %v\n", err)
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
