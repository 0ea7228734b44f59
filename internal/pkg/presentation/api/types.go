package api

import (
	"encoding/json"

	"github.com/smartstick/guardian-monitor/pkg/types"
)

type meta struct {
	Count uint64 `json:"count"`
}

type ApiResponse struct {
	Meta *meta `json:"meta,omitempty"`
	Data any   `json:"data"`
}

func (r ApiResponse) Byte() []byte {
	b, _ := json.Marshal(r)
	return b
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type guardianRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type deviceRequest struct {
	ID         string `json:"id"`
	DataSource string `json:"dataSource"`
}

type linkRequest struct {
	GuardianID string `json:"guardianID"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type GeoJSONFeatureCollection struct {
	Type     string           `json:"type"`
	Features []GeoJSONFeature `json:"features"`
}

type GeoJSONFeature struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Geometry   GeoJSONPropertyPoint `json:"geometry"`
	Properties map[string]any       `json:"properties"`
}

type GeoJSONPropertyPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// NewFeatureCollectionWithDevices places every device that has a position
// on the map. Devices still at 0,0 have never reported and are left out.
func NewFeatureCollectionWithDevices(devices []types.MergedDevice) *GeoJSONFeatureCollection {
	fc := &GeoJSONFeatureCollection{Type: "FeatureCollection", Features: []GeoJSONFeature{}}

	for _, d := range devices {
		if d.GPS.Lat == 0 && d.GPS.Lng == 0 {
			continue
		}
		fc.Features = append(fc.Features, ConvertDevice(d))
	}

	return fc
}

func ConvertDevice(d types.MergedDevice) GeoJSONFeature {
	feature := GeoJSONFeature{
		ID:   d.ID,
		Type: "Feature",
		Geometry: GeoJSONPropertyPoint{
			Type:        "Point",
			Coordinates: [2]float64{d.GPS.Lng, d.GPS.Lat},
		},
		Properties: map[string]any{},
	}

	b, err := json.Marshal(d)
	if err != nil {
		return feature
	}

	m := make(map[string]any)
	if err = json.Unmarshal(b, &m); err != nil {
		return feature
	}

	delete(m, "fallHistory")
	feature.Properties = m

	return feature
}
