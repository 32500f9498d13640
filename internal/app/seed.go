package app

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/NivBraz/groupcount-service/internal/config"
	"github.com/NivBraz/groupcount-service/internal/models"
	"github.com/NivBraz/groupcount-service/pkg/store"
)

// Seed creates the configured table if needed and upserts tweets into it.
func Seed(ctx context.Context, cfg *config.Config, tweets []models.Tweet) error {
	st, err := store.Open(cfg.Store.DataDir, cfg.Extractor.Keyspace)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CreateTweetTable(ctx, cfg.Extractor.Table); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}
	if err := st.InsertTweets(ctx, cfg.Extractor.Table, tweets); err != nil {
		return fmt.Errorf("inserting tweets: %w", err)
	}
	return nil
}

// LoadFixtures reads a YAML list of tweets.
func LoadFixtures(path string) ([]models.Tweet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening fixtures: %w", err)
	}
	defer f.Close()

	var tweets []models.Tweet
	if err := yaml.NewDecoder(f).Decode(&tweets); err != nil {
		return nil, fmt.Errorf("error decoding fixtures: %w", err)
	}
	return tweets, nil
}
