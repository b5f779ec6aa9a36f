package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MEKXH/weatherhitl/internal/weather"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
)

// WeatherResponseName is the structured-output tool. A call to it ends the
// agent turn; it is never executed through the registry.
const WeatherResponseName = "WeatherResponse"

func NewWeatherResponseTool() (tool.InvokableTool, error) {
	return utils.InferTool(
		WeatherResponseName,
		"Return the final structured weather answer to the user. Call this exactly once when you have the answer.",
		func(ctx context.Context, input *weather.Report) (string, error) {
			return "Returning structured response", nil
		},
	)
}

// DecodeReport parses WeatherResponse arguments.
func DecodeReport(argsJSON string) (*weather.Report, error) {
	var report weather.Report
	if err := json.Unmarshal([]byte(argsJSON), &report); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", WeatherResponseName, err)
	}
	return &report, nil
}

// NewWeatherRegistry registers the weather tools backed by lookup.
// The structured-output tool is returned separately.
func NewWeatherRegistry(lookup Lookuper) (*Registry, tool.InvokableTool, error) {
	reg := NewRegistry()
	getWeather, err := NewGetWeatherTool(lookup)
	if err != nil {
		return nil, nil, err
	}
	getCanadian, err := NewGetCanadianWeatherTool(lookup)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range []tool.InvokableTool{getWeather, getCanadian} {
		if err := reg.Register(t); err != nil {
			return nil, nil, err
		}
	}
	respond, err := NewWeatherResponseTool()
	if err != nil {
		return nil, nil, err
	}
	return reg, respond, nil
}
