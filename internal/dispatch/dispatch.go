// Package dispatch maps a free-form chatbot query onto the weather and joke
// services.
package dispatch

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/models"
)

const (
	WeatherErrorMessage = "Failed to fetch weather data due to an API error."
	JokeErrorMessage    = "Failed to fetch joke due to an API error."
	GeneralResponse     = "I can only process weather and joke requests."
)

var (
	weatherPattern = regexp.MustCompile(`(weather|forecast|temperature)\s+(?:in|for|about|of)?\s*(.+)`)
	jokePattern    = regexp.MustCompile(`(joke|funny|humor)`)
)

type WeatherService interface {
	GetWeather(ctx context.Context, city string) (models.WeatherData, error)
}

type JokeService interface {
	GetJoke(ctx context.Context) (models.JokeData, error)
}

type Dispatcher struct {
	weather WeatherService
	joke    JokeService
}

func New(weather WeatherService, joke JokeService) *Dispatcher {
	return &Dispatcher{
		weather: weather,
		joke:    joke,
	}
}

// City returns the city named by a weather query, if the query is one
func City(query string) (string, bool) {
	match := weatherPattern.FindStringSubmatch(strings.ToLower(query))
	if match == nil {
		return "", false
	}
	city := strings.TrimRight(strings.TrimSpace(match[2]), "?")
	return city, city != ""
}

// WantsJoke reports whether the query asks for a joke
func WantsJoke(query string) bool {
	return jokePattern.MatchString(strings.ToLower(query))
}

// Process answers query. A single query may ask for both weather and a joke;
// upstream failures are reported in the response rather than returned.
func (d *Dispatcher) Process(ctx context.Context, query string) models.Response {
	logger := zerolog.Ctx(ctx)

	var response models.Response

	if city, ok := City(query); ok {
		data, err := d.weather.GetWeather(ctx, city)
		if err != nil {
			logger.Error().Err(err).Str("city", city).Msg("Weather API error")
			response.WeatherError = WeatherErrorMessage
		} else {
			response.Weather = &data
		}
	}

	if WantsJoke(query) {
		data, err := d.joke.GetJoke(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Joke API error")
			response.JokeError = JokeErrorMessage
		} else {
			response.Joke = &data
		}
	}

	if response == (models.Response{}) {
		response.GeneralResponse = GeneralResponse
	}

	return response
}
