package main

import (
	"fmt"
	"os"

	"github.com/openquill/go-auth-backend/cmd/authadmin/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
