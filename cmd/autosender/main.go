package main

import (
	"log"

	"autosender/services/autosender"
)

func main() {
	if err := autosender.Main(); err != nil {
		log.Fatalf("autosender: %v", err)
	}
}
