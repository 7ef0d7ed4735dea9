package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/frostguard/frostguard/internal/log"
)

const defaultOpenMeteoEndpoint = "https://api.open-meteo.com"

// OpenMeteoProvider fetches forecasts from the Open-Meteo API.
type OpenMeteoProvider struct {
	endpoint string
	client   *http.Client
}

// NewOpenMeteoProvider creates a provider. An empty endpoint uses the public
// API host; timeout bounds each fetch.
func NewOpenMeteoProvider(endpoint string, timeout time.Duration) *OpenMeteoProvider {
	if endpoint == "" {
		endpoint = defaultOpenMeteoEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenMeteoProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in cache files and status output.
func (p *OpenMeteoProvider) Name() string { return "open-meteo" }

type openMeteoResponse struct {
	Current struct {
		Time             string  `json:"time"`
		Temperature2m    float64 `json:"temperature_2m"`
		DewPoint2m       float64 `json:"dew_point_2m"`
		RelativeHumidity float64 `json:"relative_humidity_2m"`
		Precipitation    float64 `json:"precipitation"`
		WeatherCode      int     `json:"weather_code"`
		WindSpeed10m     float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Hourly struct {
		Time                     []string  `json:"time"`
		Temperature2m            []float64 `json:"temperature_2m"`
		Precipitation            []float64 `json:"precipitation"`
		PrecipitationProbability []float64 `json:"precipitation_probability"`
		WeatherCode              []int     `json:"weather_code"`
		WindSpeed10m             []float64 `json:"wind_speed_10m"`
		ApparentTemperature      []float64 `json:"apparent_temperature"`
	} `json:"hourly"`
}

// Fetch retrieves current conditions plus an hourly forecast and normalizes
// them. All errors are reported as *FetchError.
func (p *OpenMeteoProvider) Fetch(loc Location, horizonHours int) (*NormalizedForecast, error) {
	v := url.Values{}
	v.Set("latitude", fmt.Sprintf("%.4f", loc.Latitude))
	v.Set("longitude", fmt.Sprintf("%.4f", loc.Longitude))
	v.Set("current", "temperature_2m,dew_point_2m,relative_humidity_2m,precipitation,weather_code,wind_speed_10m")
	v.Set("hourly", "temperature_2m,precipitation,precipitation_probability,weather_code,wind_speed_10m,apparent_temperature")
	v.Set("forecast_hours", strconv.Itoa(horizonHours))
	v.Set("temperature_unit", "fahrenheit")
	v.Set("wind_speed_unit", "mph")
	v.Set("timezone", "UTC")

	reqURL := p.endpoint + "/v1/forecast?" + v.Encode()
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchErrTransport, Detail: err.Error()}
	}

	log.Debugf("fetching forecast from Open-Meteo: %v", reqURL)
	resp, err := p.client.Do(req)
	if err != nil {
		kind := FetchErrTransport
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			kind = FetchErrTimeout
		} else if errors.Is(err, context.DeadlineExceeded) {
			kind = FetchErrTimeout
		}
		return nil, &FetchError{Kind: kind, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{
			Kind:   FetchErrStatus,
			Detail: fmt.Sprintf("status %s: %s", resp.Status, string(body)),
		}
	}

	var om openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&om); err != nil {
		return nil, &FetchError{Kind: FetchErrDecode, Detail: err.Error()}
	}

	return p.normalize(&om)
}

func (p *OpenMeteoProvider) normalize(om *openMeteoResponse) (*NormalizedForecast, error) {
	f := &NormalizedForecast{}

	temp := om.Current.Temperature2m
	dew := om.Current.DewPoint2m
	hum := om.Current.RelativeHumidity
	wind := om.Current.WindSpeed10m
	precipActive := om.Current.Precipitation > 0
	f.Current = Current{
		TemperatureF:        &temp,
		DewPointF:           &dew,
		HumidityPct:         &hum,
		WindMPH:             &wind,
		Condition:           weatherCodeCondition(om.Current.WeatherCode),
		PrecipitationActive: &precipActive,
	}

	for i, ts := range om.Hourly.Time {
		when, err := time.Parse("2006-01-02T15:04", ts)
		if err != nil {
			return nil, &FetchError{Kind: FetchErrDecode, Detail: fmt.Sprintf("bad hourly timestamp %q: %v", ts, err)}
		}
		h := HourlyForecast{Time: when.UTC()}
		if i < len(om.Hourly.Temperature2m) {
			h.TemperatureF = om.Hourly.Temperature2m[i]
		}
		if i < len(om.Hourly.Precipitation) {
			h.PrecipitationIntensity = om.Hourly.Precipitation[i]
		}
		if i < len(om.Hourly.PrecipitationProbability) {
			h.PrecipitationProbability = om.Hourly.PrecipitationProbability[i]
		}
		if i < len(om.Hourly.WeatherCode) {
			h.Condition = weatherCodeCondition(om.Hourly.WeatherCode[i])
			h.PrecipitationType = weatherCodePrecipType(om.Hourly.WeatherCode[i])
		}
		if i < len(om.Hourly.WindSpeed10m) {
			h.WindMPH = om.Hourly.WindSpeed10m[i]
		}
		if i < len(om.Hourly.ApparentTemperature) {
			h.FeelsLikeF = om.Hourly.ApparentTemperature[i]
		}
		f.Hours = append(f.Hours, h)
	}

	return f, nil
}

// weatherCodeCondition maps WMO weather interpretation codes to compact
// descriptions. See https://open-meteo.com/en/docs
func weatherCodeCondition(code int) string {
	switch {
	case code == 0:
		return "Clear"
	case code <= 2:
		return "Partly Cloudy"
	case code == 3:
		return "Overcast"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 65:
		return "Rain"
	case code == 66 || code == 67:
		return "Freezing Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Rain Showers"
	case code == 85 || code == 86:
		return "Snow Showers"
	case code >= 95:
		return "Thunderstorm"
	default:
		return "Unknown"
	}
}

func weatherCodePrecipType(code int) string {
	switch {
	case code >= 71 && code <= 77, code == 85, code == 86:
		return "snow"
	case code == 56, code == 57, code == 66, code == 67:
		return "freezing_rain"
	case code >= 51 && code <= 67, code >= 80 && code <= 82, code >= 95:
		return "rain"
	default:
		return ""
	}
}
