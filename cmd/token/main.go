// token mints an API access JWT signed with the shared HMAC secret.
// Run: JWT_SECRET=... go run ./cmd/token -sub my-client
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	sub := flag.String("sub", "", "subject (client identifier) for the token")
	expiryDays := flag.Int("expiry-days", 30, "token lifetime in days")
	flag.Parse()

	if *sub == "" {
		log.Fatal("-sub is required")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	if len(secret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 bytes")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": *sub,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(*expiryDays) * 24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}

	fmt.Printf("Token for %s (expires in %d days):\n\n%s\n\n", *sub, *expiryDays, signed)
	fmt.Println("Use it in API requests with the Authorization header:")
	fmt.Println(`  curl -H "Authorization: Bearer TOKEN" http://localhost:8080/stats`)
}
