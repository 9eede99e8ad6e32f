package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// issue-token signs a bearer token with JWT_SECRET for local testing of the
// gateway and the terminal runner. Production tokens come from the quiz
// platform.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	authService := service.NewAuthService(cfg)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Access Token ===")

	// User ID
	fmt.Print("Enter User ID: ")
	userIDStr, _ := reader.ReadString('\n')
	userID, err := strconv.ParseInt(strings.TrimSpace(userIDStr), 10, 64)
	if err != nil || userID <= 0 {
		fmt.Println("Error: User ID must be a positive number")
		return
	}

	// Role
	fmt.Print("Enter Role (student, faculty, hod, super_admin; default student): ")
	roleStr, _ := reader.ReadString('\n')
	role := service.Role(strings.TrimSpace(roleStr))
	if role == "" {
		role = service.RoleStudent
	}
	if !role.Valid() {
		fmt.Printf("Error: unknown role %q\n", role)
		return
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := authService.GenerateToken(userID, role)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	fmt.Printf("\nToken for user %d (%s), valid for %s:\n%s\n", userID, role, cfg.JWTExpiry, token)
}
