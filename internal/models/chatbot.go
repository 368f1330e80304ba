package models

// WeatherData is the current weather for a city
type WeatherData struct {
	CityName           string  `json:"city_name"`
	Description        string  `json:"description"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
}

// JokeData is a two-part joke
type JokeData struct {
	Setup     string `json:"setup"`
	Punchline string `json:"punchline"`
}

// Response is the chatbot reply. Each answer family is present only when the
// query asked for it; GeneralResponse is set when nothing matched.
type Response struct {
	Weather         *WeatherData `json:"weather,omitempty"`
	WeatherError    string       `json:"weather_error,omitempty"`
	Joke            *JokeData    `json:"joke,omitempty"`
	JokeError       string       `json:"joke_error,omitempty"`
	GeneralResponse string       `json:"general_response,omitempty"`
}

// Request is the JSON body accepted by the chatbot endpoint
type Request struct {
	Query string `json:"query"`
}

// ErrorResponse is returned with non-2xx statuses
type ErrorResponse struct {
	Error string `json:"error"`
}
