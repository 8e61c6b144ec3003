package main

import (
	"os"
	"testing"

	"github.com/reviewer-dev/reviewer/internal/testenv"
)

func TestMain(m *testing.M) {
	os.Exit(testenv.RunIsolatedMain(m))
}
