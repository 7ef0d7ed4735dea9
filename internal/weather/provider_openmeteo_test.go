package weather

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const openMeteoFixture = `{
  "current": {
    "time": "2026-01-15T06:00",
    "temperature_2m": 31.2,
    "dew_point_2m": 29.8,
    "relative_humidity_2m": 91,
    "precipitation": 0.02,
    "weather_code": 71,
    "wind_speed_10m": 6.5
  },
  "hourly": {
    "time": ["2026-01-15T07:00", "2026-01-15T08:00"],
    "temperature_2m": [30.5, 29.9],
    "precipitation": [0.05, 0.0],
    "precipitation_probability": [80, 40],
    "weather_code": [73, 3],
    "wind_speed_10m": [7.1, 8.4],
    "apparent_temperature": [24.0, 23.1]
  }
}`

func TestOpenMeteoFetchNormalizes(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/forecast" {
			t.Errorf("path = %s, want /v1/forecast", r.URL.Path)
		}
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openMeteoFixture))
	}))
	defer srv.Close()

	p := NewOpenMeteoProvider(srv.URL, 5*time.Second)
	loc := Location{Latitude: 40.7128, Longitude: -74.006, Timezone: time.UTC}

	forecast, err := p.Fetch(loc, 24)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if got := gotQuery["latitude"]; len(got) != 1 || got[0] != "40.7128" {
		t.Errorf("latitude query = %v", got)
	}
	if got := gotQuery["forecast_hours"]; len(got) != 1 || got[0] != "24" {
		t.Errorf("forecast_hours query = %v", got)
	}
	if got := gotQuery["temperature_unit"]; len(got) != 1 || got[0] != "fahrenheit" {
		t.Errorf("temperature_unit query = %v", got)
	}

	cur := forecast.Current
	if cur.TemperatureF == nil || *cur.TemperatureF != 31.2 {
		t.Errorf("current temperature = %v, want 31.2", cur.TemperatureF)
	}
	if cur.Condition != "Snow" {
		t.Errorf("current condition = %q, want Snow", cur.Condition)
	}
	if cur.PrecipitationActive == nil || !*cur.PrecipitationActive {
		t.Error("precipitation 0.02 should count as active")
	}

	if len(forecast.Hours) != 2 {
		t.Fatalf("got %d hour(s), want 2", len(forecast.Hours))
	}
	h0 := forecast.Hours[0]
	want := time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)
	if !h0.Time.Equal(want) {
		t.Errorf("hour[0] time = %v, want %v", h0.Time, want)
	}
	if h0.PrecipitationType != "snow" {
		t.Errorf("hour[0] precipitation type = %q, want snow", h0.PrecipitationType)
	}
	if forecast.Hours[1].Condition != "Overcast" {
		t.Errorf("hour[1] condition = %q, want Overcast", forecast.Hours[1].Condition)
	}
	if h0.FeelsLikeF != 24.0 {
		t.Errorf("hour[0] feels like = %v, want 24", h0.FeelsLikeF)
	}
}

func TestOpenMeteoFetchErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind FetchErrorKind
	}{
		{
			name: "server error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream exploded", http.StatusBadGateway)
			},
			wantKind: FetchErrStatus,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			wantKind: FetchErrDecode,
		},
		{
			name: "bad hourly timestamp",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"hourly": {"time": ["yesterday-ish"]}}`))
			},
			wantKind: FetchErrDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p := NewOpenMeteoProvider(srv.URL, 5*time.Second)
			_, err := p.Fetch(Location{Timezone: time.UTC}, 24)
			if err == nil {
				t.Fatal("Fetch should fail")
			}
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("error type = %T, want *FetchError", err)
			}
			if fe.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", fe.Kind, tt.wantKind)
			}
		})
	}
}

func TestOpenMeteoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewOpenMeteoProvider(srv.URL, 20*time.Millisecond)
	_, err := p.Fetch(Location{Timezone: time.UTC}, 24)
	if err == nil {
		t.Fatal("Fetch should time out")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *FetchError", err)
	}
	if fe.Kind != FetchErrTimeout {
		t.Errorf("kind = %s, want timeout", fe.Kind)
	}
}
