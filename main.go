package main

import (
	"github.com/joho/godotenv"

	"pricekeeper/internal/cli"
)

func main() {
	// Best effort; environment variables win over .env entries.
	_ = godotenv.Load()

	cli.Execute()
}
