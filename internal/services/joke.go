package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/models"
)

// DefaultJokeURL is the Official Joke API random joke endpoint
const DefaultJokeURL = "https://official-joke-api.appspot.com/random_joke"

const jokeCacheKey = "joke"

// JokeService fetches a random joke; one joke is reused for the cache TTL
type JokeService struct {
	client HTTPClient
	url    string
	cache  *ttlCache[models.JokeData]
}

func NewJokeService(client HTTPClient, url string, ttl time.Duration) (*JokeService, error) {
	if url == "" {
		url = DefaultJokeURL
	}
	cache, err := newTTLCache[models.JokeData](ttl)
	if err != nil {
		return nil, err
	}
	return &JokeService{
		client: client,
		url:    url,
		cache:  cache,
	}, nil
}

// GetJoke returns a random joke
func (j *JokeService) GetJoke(ctx context.Context) (models.JokeData, error) {
	logger := zerolog.Ctx(ctx)

	if data, ok := j.cache.Get(jokeCacheKey); ok {
		logger.Info().Msg("Cache hit for joke")
		return data, nil
	}

	var data models.JokeData
	if err := getJSON(ctx, j.client, j.url, &data); err != nil {
		return models.JokeData{}, fmt.Errorf("joke api: %w", err)
	}
	if data.Setup == "" || data.Punchline == "" {
		return models.JokeData{}, fmt.Errorf("joke api: response is missing setup or punchline")
	}
	j.cache.Set(jokeCacheKey, data)

	logger.Info().Msg("Joke data fetched and cached")
	return data, nil
}

func (j *JokeService) Close() {
	j.cache.Close()
}
