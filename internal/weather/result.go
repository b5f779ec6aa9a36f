package weather

import "encoding/json"

// Forecast is the subset of the forecast payload the agent relies on.
type Forecast struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Current   struct {
		Time        string  `json:"time"`
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
}

// Result is either the raw forecast payload or an error message.
type Result struct {
	Raw      json.RawMessage
	Forecast *Forecast
	Error    string
}

// Failure builds an error result.
func Failure(msg string) Result {
	return Result{Error: msg}
}

// OK reports whether the lookup succeeded.
func (r Result) OK() bool {
	return r.Error == "" && r.Forecast != nil
}

// MarshalJSON emits the upstream payload unchanged on success and
// {"error": "..."} otherwise.
func (r Result) MarshalJSON() ([]byte, error) {
	if !r.OK() {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{Error: r.Error})
	}
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(r.Forecast)
}

// Report is the structured answer the agent returns for a weather question.
type Report struct {
	City        string `json:"city" jsonschema:"required,description=The city for which the weather information is provided"`
	Weather     string `json:"weather" jsonschema:"required,description=The weather information for the specified city"`
	Temperature string `json:"temperature" jsonschema:"required,description=The temperature in the specified city in celsius"`
	Summary     string `json:"summary" jsonschema:"required,description=A summary of the weather conditions in the specified city"`
}
