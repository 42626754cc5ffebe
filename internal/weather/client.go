package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Forecast answers the one question the scheduler asks: is rain expected
// within the next 24 hours.
type Forecast struct {
	RainExpected bool   `json:"rain_expected"`
	Details      string `json:"details"`
}

// Client queries the OpenWeatherMap 5-day/3-hour forecast API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func New(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org/data/2.5/forecast",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// owm condition ids below 600 cover thunderstorms, drizzle and rain.
const rainConditionCeiling = 600

// minimum 3-hour rain volume (mm) considered significant
const rainVolumeThreshold = 0.5

// RainExpected24h reports whether significant rain is forecast at the given
// coordinates within the next 24 hours. Without an API key it returns a
// no-rain fallback so the system stays operational in development setups.
func (c *Client) RainExpected24h(ctx context.Context, lat, lon float64) (Forecast, error) {
	if c.apiKey == "" {
		return Forecast{RainExpected: false, Details: "no API key configured, assuming no rain"}, nil
	}

	u := fmt.Sprintf("%s?lat=%f&lon=%f&appid=%s&units=metric", c.baseURL, lat, lon, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Forecast{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Forecast{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Forecast{}, fmt.Errorf("forecast API returned status %d", resp.StatusCode)
	}

	var body struct {
		List []struct {
			DT      int64 `json:"dt"`
			Weather []struct {
				ID          int    `json:"id"`
				Description string `json:"description"`
			} `json:"weather"`
			Rain struct {
				ThreeHour float64 `json:"3h"`
			} `json:"rain"`
		} `json:"list"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Forecast{}, err
	}

	horizon := time.Now().Add(24 * time.Hour)
	for i, entry := range body.List {
		// 8 three-hour slots cover the next 24 hours.
		if i >= 8 {
			break
		}
		at := time.Unix(entry.DT, 0)
		if at.After(horizon) {
			continue
		}
		rainy := entry.Rain.ThreeHour > rainVolumeThreshold
		if !rainy && len(entry.Weather) > 0 && entry.Weather[0].ID < rainConditionCeiling {
			rainy = true
		}
		if rainy {
			desc := ""
			if len(entry.Weather) > 0 {
				desc = entry.Weather[0].Description
			}
			return Forecast{
				RainExpected: true,
				Details:      fmt.Sprintf("rain forecast around %s (%s)", at.UTC().Format("15:04"), desc),
			}, nil
		}
	}
	return Forecast{RainExpected: false, Details: "no significant rain forecast in the next 24h"}, nil
}
