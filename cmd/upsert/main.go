package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"

	"json-upsert/internal/cli"

	"github.com/joho/godotenv"
)

func main() {

	// ====================================================================
	// GOMAXPROCS
	// ====================================================================
	//
	// The work is I/O bound; an explicit GOMAXPROCS still wins when the
	// tool runs inside a CPU-limited container.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	// ====================================================================
	// .env
	// ====================================================================
	//
	// UPSERT_* variables may come from a .env file in the working
	// directory. Variables already set in the environment win.
	// ====================================================================
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	os.Exit(cli.Execute())
}
