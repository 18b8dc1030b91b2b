package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/SteelMorgan/logview/internal/domain"
)

const version = "0.1.0"

func main() {
	cmd := newRootCmd(viper.New())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "logview: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for misuse and 1 for every other failure
func exitCode(err error) int {
	var cerr *domain.ConfigurationError
	if errors.As(err, &cerr) {
		return 2
	}
	return 1
}
