package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/service"
)

// issue-token mints JWTs with the server's secret, for operators and load
// tests. Production clients get their tokens from the identity provider.
func main() {
	var (
		tokenType string
		userID    int
		count     int
	)
	flag.StringVar(&tokenType, "type", "student", "Token type: admin or student")
	flag.IntVar(&userID, "id", 1, "User id (first id when -count > 1)")
	flag.IntVar(&count, "count", 1, "Number of consecutive user ids to issue tokens for")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if count < 1 {
		log.Fatal("-count must be at least 1")
	}

	auth := service.NewAuthService(cfg)
	for i := 0; i < count; i++ {
		id := userID + i
		token, err := auth.GenerateToken(service.TokenType(tokenType), id)
		if err != nil {
			log.Fatalf("Issue token for %d: %v", id, err)
		}
		if count == 1 {
			fmt.Println(token)
			continue
		}
		fmt.Printf("%d\t%s\n", id, token)
	}
}
