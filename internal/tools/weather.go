package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/MEKXH/weatherhitl/internal/weather"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
)

const (
	GetWeatherName         = "get_weather"
	GetCanadianWeatherName = "get_canadian_weather"
)

// Lookuper is the weather source behind the weather tools.
type Lookuper interface {
	Lookup(ctx context.Context, city string) weather.Result
}

type WeatherInput struct {
	City string `json:"city" jsonschema:"required,description=Name of the city to get weather for"`
}

type weatherToolImpl struct {
	lookup Lookuper
}

// execute returns the lookup result as JSON; lookup failures are encoded as
// {"error": ...} rather than returned as errors so the model can read them.
func (w *weatherToolImpl) execute(ctx context.Context, input *WeatherInput) (string, error) {
	city := strings.TrimSpace(input.City)
	res := w.lookup.Lookup(ctx, city)
	if !res.OK() {
		args := append([]any{"city", city, "error", res.Error}, InvocationFrom(ctx).LogArgs()...)
		slog.Warn("weather lookup failed", args...)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func NewGetWeatherTool(lookup Lookuper) (tool.InvokableTool, error) {
	impl := &weatherToolImpl{lookup: lookup}
	return utils.InferTool(
		GetWeatherName,
		"Only use for United States (US) weather for a given city using Open-Meteo API (free, no API key required).",
		impl.execute,
	)
}

func NewGetCanadianWeatherTool(lookup Lookuper) (tool.InvokableTool, error) {
	impl := &weatherToolImpl{lookup: lookup}
	return utils.InferTool(
		GetCanadianWeatherName,
		"Only use for Canadian weather for a given city using Open-Meteo API (free, no API key required).",
		impl.execute,
	)
}
