package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	MatchDuration   int // seconds
	QuestionCount   int
	MinPlayers      int
	DuelCapacity    int
	FFACapacity     int
	GraceWindow     int // seconds until a disconnected player is removed
	AbandonCheck    int // seconds until an unplayable match is force-settled
	SettlementTTL   int // seconds a settlement flag is retained
	KFactor         int
	RatingFloor     int
	DefaultRating   int
	LeaderboardSize int
}

func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[Config] .env not loaded: %v\n", err)
	}

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		MatchDuration:   getEnvInt("MATCH_DURATION", 60),
		QuestionCount:   getEnvInt("QUESTION_COUNT", 10),
		MinPlayers:      getEnvInt("MIN_PLAYERS", 2),
		DuelCapacity:    getEnvInt("DUEL_CAPACITY", 2),
		FFACapacity:     getEnvInt("FFA_CAPACITY", 4),
		GraceWindow:     getEnvInt("GRACE_WINDOW", 15),
		AbandonCheck:    getEnvInt("ABANDON_CHECK", 5),
		SettlementTTL:   getEnvInt("SETTLEMENT_TTL", 300),
		KFactor:         getEnvInt("ELO_K_FACTOR", 32),
		RatingFloor:     getEnvInt("RATING_FLOOR", 100),
		DefaultRating:   getEnvInt("DEFAULT_RATING", 1200),
		LeaderboardSize: getEnvInt("LEADERBOARD_SIZE", 10),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
