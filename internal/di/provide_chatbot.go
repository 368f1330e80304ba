package di

import (
	"net/http"
	"time"

	"github.com/savaki/chatbot-deployer/internal/dispatch"
	"github.com/savaki/chatbot-deployer/internal/services"
)

// upstreamTimeout bounds each weather or joke API call
const upstreamTimeout = 10 * time.Second

func ProvideHTTPClient() *http.Client {
	return &http.Client{Timeout: upstreamTimeout}
}

func ProvideWeatherService(config *services.Config, client *http.Client) (*services.WeatherService, error) {
	return services.NewWeatherService(client, config.WeatherURL, config.WeatherAPIKey, config.CacheTTL)
}

func ProvideJokeService(config *services.Config, client *http.Client) (*services.JokeService, error) {
	return services.NewJokeService(client, config.JokeURL, config.CacheTTL)
}

func ProvideDispatcher(weather *services.WeatherService, joke *services.JokeService) *dispatch.Dispatcher {
	return dispatch.New(weather, joke)
}
