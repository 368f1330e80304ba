package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/models"
)

// DefaultWeatherURL is the OpenWeather current weather endpoint
const DefaultWeatherURL = "https://api.openweathermap.org/data/2.5/weather"

// openWeatherResponse is the part of the OpenWeather payload we read
type openWeatherResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
}

// WeatherService fetches current weather by city name, caching each city
type WeatherService struct {
	client  HTTPClient
	baseURL string
	apiKey  string
	cache   *ttlCache[models.WeatherData]
}

func NewWeatherService(client HTTPClient, baseURL, apiKey string, ttl time.Duration) (*WeatherService, error) {
	if baseURL == "" {
		baseURL = DefaultWeatherURL
	}
	cache, err := newTTLCache[models.WeatherData](ttl)
	if err != nil {
		return nil, err
	}
	return &WeatherService{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
		cache:   cache,
	}, nil
}

// GetWeather returns the current weather for city in metric units
func (w *WeatherService) GetWeather(ctx context.Context, city string) (models.WeatherData, error) {
	logger := zerolog.Ctx(ctx)

	key := strings.ToLower(strings.TrimSpace(city))
	if data, ok := w.cache.Get(key); ok {
		logger.Info().Str("city", key).Msg("Cache hit for weather")
		return data, nil
	}

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", w.apiKey)
	params.Set("units", "metric")

	var payload openWeatherResponse
	if err := getJSON(ctx, w.client, w.baseURL+"?"+params.Encode(), &payload); err != nil {
		return models.WeatherData{}, fmt.Errorf("weather api: %w", err)
	}
	if len(payload.Weather) == 0 {
		return models.WeatherData{}, fmt.Errorf("weather api: response for %s has no conditions", city)
	}

	data := models.WeatherData{
		CityName:           payload.Name,
		Description:        payload.Weather[0].Description,
		TemperatureCelsius: payload.Main.Temp,
	}
	w.cache.Set(key, data)

	logger.Info().Str("city", key).Msg("Weather data fetched and cached")
	return data, nil
}

func (w *WeatherService) Close() {
	w.cache.Close()
}
